// Package classifier matches free-text customer replies against flow branch
// options using the OpenAI API.
//
// It backs QUESTION_AI_CHOICE steps, whose options are never shown to the
// customer.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoMatch is returned when the reply does not correspond to any option.
var ErrNoMatch = errors.New("reply matched no option")

// Classifier picks the option a user reply corresponds to. It returns the
// zero-based option index, or ErrNoMatch.
type Classifier interface {
	Classify(ctx context.Context, question, reply string, options []string) (int, error)
}

const systemPrompt = `Você é um classificador de intenções para atendimento ao cliente.
Receberá uma pergunta feita ao cliente, a resposta do cliente e uma lista numerada de opções.
Responda APENAS com o número da opção que melhor corresponde à resposta do cliente.
Se nenhuma opção corresponder, responda 0.`

// completionService is the slice of the OpenAI client the classifier uses.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClassifier implements Classifier over the OpenAI chat completion API.
type OpenAIClassifier struct {
	chat  completionService
	model openai.ChatModel
}

// Opts holds configuration options for the classifier.
type Opts struct {
	APIKey string
}

// Option defines a configuration option for the classifier.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// NewOpenAIClassifier initializes a classifier, falling back to the
// OPENAI_API_KEY environment variable when no key option is given.
func NewOpenAIClassifier(opts ...Option) (*OpenAIClassifier, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClassifier{
		chat:  &client.Chat.Completions,
		model: openai.ChatModelGPT4oMini,
	}, nil
}

// Classify asks the model which option the reply corresponds to.
func (c *OpenAIClassifier) Classify(ctx context.Context, question, reply string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, ErrNoMatch
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pergunta: %s\n", question)
	fmt.Fprintf(&b, "Resposta do cliente: %s\n", reply)
	b.WriteString("Opções:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(b.String()),
		},
	})
	if err != nil {
		slog.Error("classifier: completion request failed", "error", err)
		return 0, fmt.Errorf("classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("classification returned no choices")
	}

	return parseChoice(resp.Choices[0].Message.Content, len(options))
}

// parseChoice extracts the 1-based option number from the model output and
// converts it to a zero-based index. 0 or out-of-range means no match.
func parseChoice(content string, optionCount int) (int, error) {
	content = strings.TrimSpace(content)
	// Tolerate answers like "Opção 2" or "2."
	digits := strings.TrimFunc(content, func(r rune) bool {
		return r < '0' || r > '9'
	})
	n, err := strconv.Atoi(digits)
	if err != nil {
		slog.Debug("classifier: unparseable model output", "content", content)
		return 0, ErrNoMatch
	}
	if n < 1 || n > optionCount {
		return 0, ErrNoMatch
	}
	return n - 1, nil
}

// MockClassifier returns a fixed result for tests.
type MockClassifier struct {
	Index int
	Err   error
}

func (m *MockClassifier) Classify(ctx context.Context, question, reply string, options []string) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Index, nil
}
