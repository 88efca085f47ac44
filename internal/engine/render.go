package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zapdesk/zapdesk/internal/models"
)

// placeholderRegex matches {key} placeholders in message bodies. Keys are
// admin-authored free text, so anything up to the closing brace is accepted
// and trimmed.
var placeholderRegex = regexp.MustCompile(`\{([^{}]*)\}`)

// renderTemplate substitutes {key} placeholders from form data. Unresolved
// keys are left verbatim, which makes rendering idempotent.
func renderTemplate(body string, formData map[string]string) string {
	if body == "" || len(formData) == 0 {
		return body
	}
	return placeholderRegex.ReplaceAllStringFunc(body, func(match string) string {
		key := strings.TrimSpace(match[1 : len(match)-1])
		if v, ok := formData[key]; ok {
			return v
		}
		return match
	})
}

// renderPollMenu renders a QUESTION_POLL body: the question, the enumerated
// option texts as plain lines, and a reply instruction. Options are never sent
// as native polls.
func renderPollMenu(step *models.FlowStep, formData map[string]string) string {
	var b strings.Builder
	b.WriteString(renderTemplate(step.MessageBody, formData))
	b.WriteString("\n")
	for i, opt := range step.PollOptions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.OptionText)
	}
	b.WriteString("\n\nResponda com o texto da opção desejada.")
	return b.String()
}
