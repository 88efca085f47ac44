package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/zapdesk/zapdesk/internal/classifier"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/models"
)

// invalidOptionMessage precedes a re-rendered menu when a poll reply matches
// no option.
const invalidOptionMessage = "Opção inválida. Por favor, escolha uma das opções abaixo."

// aiRepromptMessage is sent when the classifier cannot map a free-text reply
// to any option.
const aiRepromptMessage = "Desculpe, não entendi sua resposta. Poderia reformular?"

// advance walks the flow graph from stepID, executing steps until one suspends
// (questions), terminates (nil edge, END_FLOW, FORM_SUBMIT), or the chain
// bound is hit. conv is nil for agent/admin sessions; user is nil for
// customer sessions.
func (e *Engine) advance(ctx context.Context, conv *models.Conversation, sess *models.Session, stepID *int64, user *models.User) error {
	key := sess.ConversationKey

	for i := 0; i < e.maxChainSteps; i++ {
		if stepID == nil {
			return e.terminateSession(conv, key, true)
		}

		// Lazy takeover guard: a human may have assumed the conversation
		// between iterations. The agent's claim wins; the pending step is
		// suppressed.
		if conv != nil {
			fresh, err := e.store.GetConversation(conv.ID)
			if err == nil {
				conv = fresh
			}
			if conv.IsAgentAssigned() {
				slog.Info("engine: conversation assumed by agent, suppressing step",
					"conversationID", conv.ID, "stepID", *stepID)
				e.sessions.Delete(key)
				return nil
			}
		}

		step, err := e.store.GetStep(*stepID)
		if err != nil {
			slog.Error("engine: step lookup failed, terminating flow", "error", err, "stepID", *stepID)
			return e.terminateSession(conv, key, false)
		}

		if i > 0 {
			time.Sleep(e.chainDelay)
		}

		switch step.StepType {
		case models.StepTypeMessage:
			if err := e.sendStepMessage(ctx, conv, key, renderTemplate(step.MessageBody, sess.FormData)); err != nil {
				return err
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)
			stepID = step.NextStepID

		case models.StepTypeQuestionText, models.StepTypeQuestionAIChoice:
			if err := e.sendStepMessage(ctx, conv, key, renderTemplate(step.MessageBody, sess.FormData)); err != nil {
				return err
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)
			return nil

		case models.StepTypeQuestionPoll:
			if err := e.sendStepMessage(ctx, conv, key, renderPollMenu(step, sess.FormData)); err != nil {
				return err
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)
			return nil

		case models.StepTypeFormSubmit:
			return e.executeFormSubmit(ctx, conv, sess, step)

		case models.StepTypeEndFlow:
			if step.MessageBody != "" {
				if err := e.sendStepMessage(ctx, conv, key, renderTemplate(step.MessageBody, sess.FormData)); err != nil {
					return err
				}
			}
			return e.terminateSession(conv, key, true)

		case models.StepTypeRequestHumanSupport:
			if step.MessageBody != "" {
				if err := e.sendStepMessage(ctx, conv, key, renderTemplate(step.MessageBody, sess.FormData)); err != nil {
					return err
				}
			}
			if conv != nil {
				conv.Status = models.ConversationStatusOpen
				conv.AssignedAgentID = nil
				if err := e.store.UpdateConversation(conv); err != nil {
					return err
				}
				e.bus.Emit(events.EventConversationUpdated, conv)
				slog.Info("engine: conversation queued for human support", "conversationID", conv.ID)
			}
			e.sessions.Delete(key)
			return nil

		case models.StepTypeListChats:
			if err := e.sendOpenChatsSummary(ctx, key); err != nil {
				return err
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)
			stepID = step.NextStepID

		case models.StepTypeAssignChat:
			if err := e.executeAssignChat(ctx, sess, step, user); err != nil {
				slog.Error("engine: chat assignment failed", "error", err, "key", key)
				e.sendInternal(ctx, key, "Não foi possível assumir este atendimento.")
				stepID = step.NextStepIDOnFail
			} else {
				stepID = step.NextStepID
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)

		case models.StepTypeEnterConversationMode:
			if err := e.executeEnterConversationMode(ctx, sess, step, user); err != nil {
				slog.Error("engine: relay mode entry failed", "error", err, "key", key)
				e.sendInternal(ctx, key, "Não foi possível entrar no modo conversa.")
				stepID = step.NextStepIDOnFail
			} else {
				stepID = step.NextStepID
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)

		case models.StepTypeCloseChat:
			if err := e.executeCloseChat(ctx, sess, step, user); err != nil {
				slog.Error("engine: chat close failed", "error", err, "key", key)
				e.sendInternal(ctx, key, "Não foi possível encerrar este atendimento.")
				stepID = step.NextStepIDOnFail
			} else {
				e.sendInternal(ctx, key, "Atendimento encerrado com sucesso.")
				stepID = step.NextStepID
			}
			sess.CurrentStepID = step.ID
			e.sessions.Set(sess)

		default:
			slog.Error("engine: unknown step type, terminating flow", "stepType", step.StepType, "stepID", step.ID)
			return e.terminateSession(conv, key, false)
		}
	}

	slog.Error("engine: auto-chain exceeded step bound, terminating flow",
		"key", key, "flowID", sess.FlowID, "bound", e.maxChainSteps)
	return e.terminateSession(conv, key, false)
}

// continueSession handles a reply while a flow session is suspended on a
// question step.
func (e *Engine) continueSession(ctx context.Context, conv *models.Conversation, sess *models.Session, m models.InboundMessage, user *models.User) error {
	// Takeover guard for replies too: once an agent owns the conversation the
	// abandoned session is discarded and the reply stays in the inbox.
	if conv != nil && conv.IsAgentAssigned() {
		slog.Info("engine: conversation assumed by agent, discarding session", "conversationID", conv.ID)
		e.sessions.Delete(sess.ConversationKey)
		return nil
	}

	step, err := e.store.GetStep(sess.CurrentStepID)
	if err != nil {
		slog.Warn("engine: suspended step no longer exists, terminating flow",
			"error", err, "stepID", sess.CurrentStepID)
		return e.terminateSession(conv, sess.ConversationKey, false)
	}

	reply := strings.TrimSpace(m.Body)

	switch step.StepType {
	case models.StepTypeQuestionText:
		return e.handleTextReply(ctx, conv, sess, step, reply, user)
	case models.StepTypeQuestionPoll:
		return e.handlePollReply(ctx, conv, sess, step, reply, user)
	case models.StepTypeQuestionAIChoice:
		return e.handleAIChoiceReply(ctx, conv, sess, step, reply, user)
	default:
		// Sessions only suspend on question steps; anything else is a stale
		// session left by a flow edit.
		slog.Warn("engine: session suspended on non-question step, terminating",
			"stepType", step.StepType, "stepID", step.ID)
		return e.terminateSession(conv, sess.ConversationKey, false)
	}
}

func formFieldKey(step *models.FlowStep) string {
	if step.FormFieldKey != "" {
		return step.FormFieldKey
	}
	return models.DefaultFormFieldKey
}

// handleTextReply captures a free-text answer, running the step's external
// query when one is configured. On query failure the session's form data is
// left untouched and the failure edge is taken.
func (e *Engine) handleTextReply(ctx context.Context, conv *models.Conversation, sess *models.Session, step *models.FlowStep, reply string, user *models.User) error {
	if step.Query != nil {
		cred, err := e.store.GetCredential(step.Query.CredentialID)
		if err != nil {
			slog.Error("engine: query credential lookup failed", "error", err,
				"stepID", step.ID, "credentialID", step.Query.CredentialID)
			return e.advance(ctx, conv, sess, step.NextStepIDOnFail, user)
		}
		results, err := e.ext.Query(ctx, cred, step.Query, reply, sess.FormData)
		if err != nil {
			slog.Error("engine: external query failed", "error", err,
				"stepID", step.ID, "credentialID", cred.ID)
			return e.advance(ctx, conv, sess, step.NextStepIDOnFail, user)
		}
		sess.FormData[formFieldKey(step)] = reply
		for k, v := range results {
			sess.FormData[k] = v
		}
		e.sessions.Set(sess)
		return e.advance(ctx, conv, sess, step.NextStepID, user)
	}

	sess.FormData[formFieldKey(step)] = reply
	e.sessions.Set(sess)
	return e.advance(ctx, conv, sess, step.NextStepID, user)
}

// handlePollReply matches the reply against the step's options. An unmatched
// reply re-prompts and leaves the session untouched.
func (e *Engine) handlePollReply(ctx context.Context, conv *models.Conversation, sess *models.Session, step *models.FlowStep, reply string, user *models.User) error {
	opt := matchOption(step.PollOptions, reply)
	if opt == nil {
		body := invalidOptionMessage + "\n\n" + renderPollMenu(step, sess.FormData)
		return e.sendStepMessage(ctx, conv, sess.ConversationKey, body)
	}
	return e.selectOption(ctx, conv, sess, step, opt, user)
}

// handleAIChoiceReply tries literal option matching first, then asks the
// classifier. Options are never rendered to the user.
func (e *Engine) handleAIChoiceReply(ctx context.Context, conv *models.Conversation, sess *models.Session, step *models.FlowStep, reply string, user *models.User) error {
	if opt := matchOption(step.PollOptions, reply); opt != nil {
		return e.selectOption(ctx, conv, sess, step, opt, user)
	}

	if e.classifier == nil {
		slog.Warn("engine: no classifier configured for AI choice step", "stepID", step.ID)
		return e.sendStepMessage(ctx, conv, sess.ConversationKey, aiRepromptMessage)
	}

	texts := make([]string, len(step.PollOptions))
	for i, opt := range step.PollOptions {
		texts[i] = opt.OptionText
	}
	idx, err := e.classifier.Classify(ctx, step.MessageBody, reply, texts)
	if err != nil {
		if !errors.Is(err, classifier.ErrNoMatch) {
			slog.Error("engine: classification failed", "error", err, "stepID", step.ID)
		}
		return e.sendStepMessage(ctx, conv, sess.ConversationKey, aiRepromptMessage)
	}
	return e.selectOption(ctx, conv, sess, step, &step.PollOptions[idx], user)
}

// selectOption records the chosen option text and follows its edge.
func (e *Engine) selectOption(ctx context.Context, conv *models.Conversation, sess *models.Session, step *models.FlowStep, opt *models.PollOption, user *models.User) error {
	sess.FormData[formFieldKey(step)] = opt.OptionText
	e.sessions.Set(sess)
	return e.advance(ctx, conv, sess, opt.NextStepIDOnSelect, user)
}

// matchOption checks trigger keywords case-insensitively, then exact option
// text. "SIM" matches a "sim" keyword; "sim por favor" matches nothing.
func matchOption(options []models.PollOption, reply string) *models.PollOption {
	for i := range options {
		kw := options[i].TriggerKeyword
		if kw != "" && strings.EqualFold(kw, reply) {
			return &options[i]
		}
	}
	for i := range options {
		if options[i].OptionText == reply {
			return &options[i]
		}
	}
	return nil
}

// executeFormSubmit persists the submission, fires the webhook and the
// external write best-effort, sends the closing message, and terminates.
func (e *Engine) executeFormSubmit(ctx context.Context, conv *models.Conversation, sess *models.Session, step *models.FlowStep) error {
	data := make(map[string]string, len(sess.FormData))
	for k, v := range sess.FormData {
		data[k] = v
	}
	submission := &models.FormSubmission{
		FlowID:      sess.FlowID,
		Address:     sess.ConversationKey,
		Data:        data,
		SubmittedAt: time.Now(),
	}
	if err := e.store.AddFormSubmission(submission); err != nil {
		slog.Error("engine: form submission persistence failed", "error", err, "flowID", sess.FlowID)
	}

	if e.webhook != nil {
		integration, err := e.store.GetWebhookIntegration()
		if err != nil {
			slog.Error("engine: webhook integration lookup failed", "error", err)
		} else if integration != nil {
			if err := e.webhook.Notify(ctx, integration, submission); err != nil {
				slog.Error("engine: webhook delivery failed", "error", err, "integrationID", integration.ID)
			}
		}
	}

	if step.Write != nil {
		cred, err := e.store.GetCredential(step.Write.CredentialID)
		if err != nil {
			slog.Error("engine: write credential lookup failed", "error", err,
				"credentialID", step.Write.CredentialID)
		} else if err := e.ext.Insert(ctx, cred, step.Write, sess.FormData); err != nil {
			slog.Error("engine: external write failed", "error", err, "stepID", step.ID)
		}
	}

	if step.MessageBody != "" {
		if err := e.sendStepMessage(ctx, conv, sess.ConversationKey, renderTemplate(step.MessageBody, sess.FormData)); err != nil {
			return err
		}
	}
	return e.terminateSession(conv, sess.ConversationKey, true)
}

// executeAssignChat assigns the chat named in form data to the session's user
// and puts the user into relay mode with the customer.
func (e *Engine) executeAssignChat(ctx context.Context, sess *models.Session, step *models.FlowStep, user *models.User) error {
	if user == nil {
		return errors.New("chat assignment requires an internal user session")
	}
	chatID, err := chatIDFromFormData(sess, step)
	if err != nil {
		return err
	}
	_, err = e.handoff.Assume(ctx, chatID, user)
	return err
}

// executeEnterConversationMode puts the user into relay mode with the chat
// named in form data without reassigning it.
func (e *Engine) executeEnterConversationMode(ctx context.Context, sess *models.Session, step *models.FlowStep, user *models.User) error {
	if user == nil {
		return errors.New("conversation mode requires an internal user session")
	}
	if user.Address == "" {
		return errors.New("conversation mode requires the user to have a messaging address")
	}
	chatID, err := chatIDFromFormData(sess, step)
	if err != nil {
		return err
	}
	conv, err := e.store.GetConversation(chatID)
	if err != nil {
		return err
	}
	e.relay.Set(user.Address, conv.Address)
	e.sendInternal(ctx, user.Address, fmt.Sprintf(
		"Modo conversa ativado com %s. Envie %s para encerrar o atendimento ou %s para sair.",
		conv.DisplayName, RelayCommandClose, RelayCommandExit))
	return nil
}

// executeCloseChat closes the chat named in form data.
func (e *Engine) executeCloseChat(ctx context.Context, sess *models.Session, step *models.FlowStep, user *models.User) error {
	if user == nil {
		return errors.New("chat close requires an internal user session")
	}
	chatID, err := chatIDFromFormData(sess, step)
	if err != nil {
		return err
	}
	_, err = e.handoff.Close(ctx, chatID, user)
	return err
}

func chatIDFromFormData(sess *models.Session, step *models.FlowStep) (int64, error) {
	raw, ok := sess.FormData[formFieldKey(step)]
	if !ok {
		return 0, fmt.Errorf("form data has no chat id under key %q", formFieldKey(step))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}
	return id, nil
}

// sendOpenChatsSummary sends the agent a listing of conversations awaiting or
// under human handling.
func (e *Engine) sendOpenChatsSummary(ctx context.Context, key string) error {
	convs, err := e.store.ListConversations()
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Atendimentos abertos:\n")
	count := 0
	for i := range convs {
		if convs[i].Status != models.ConversationStatusOpen {
			continue
		}
		count++
		assignee := "sem atendente"
		if convs[i].AssignedAgentID != nil {
			if agent, err := e.store.GetUser(*convs[i].AssignedAgentID); err == nil {
				assignee = agent.Name
			} else {
				assignee = "atribuído"
			}
		}
		name := convs[i].DisplayName
		if name == "" {
			name = convs[i].Address
		}
		fmt.Fprintf(&b, "#%d - %s (%s)\n", convs[i].ID, name, assignee)
	}
	if count == 0 {
		return e.msg.SendMessage(ctx, key, "Nenhum atendimento aberto no momento.")
	}
	return e.msg.SendMessage(ctx, key, strings.TrimRight(b.String(), "\n"))
}

// sendInternal sends to an agent/admin without persisting; internal guidance
// is not part of any customer conversation log.
func (e *Engine) sendInternal(ctx context.Context, key, body string) {
	if err := e.msg.SendMessage(ctx, key, body); err != nil {
		slog.Error("engine: internal send failed", "error", err, "to", key)
	}
}

// sendStepMessage sends a flow-produced message and, for customer
// conversations, persists and announces it. Sending a bot message to a closed
// conversation reopens it for self-service.
func (e *Engine) sendStepMessage(ctx context.Context, conv *models.Conversation, key, body string) error {
	if body == "" {
		return nil
	}
	if err := e.msg.SendMessage(ctx, key, body); err != nil {
		return fmt.Errorf("failed to send step message: %w", err)
	}
	if conv == nil {
		return nil
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Body:           body,
		Timestamp:      time.Now().Unix(),
		FromMe:         true,
		Status:         models.MessageStatusSent,
	}
	if err := e.store.AddMessage(msg); err != nil {
		return err
	}
	e.bus.Emit(events.EventNewMessage, msg)
	if conv.Status == models.ConversationStatusClosed {
		conv.Status = models.ConversationStatusBot
		if err := e.store.UpdateConversation(conv); err != nil {
			return err
		}
		e.bus.Emit(events.EventConversationUpdated, conv)
	}
	return nil
}

// terminateSession drops the session and, when the bot still owned the
// conversation, marks it closed. The conversation is refetched so an agent
// takeover landing mid-step is not clobbered by the stale row.
func (e *Engine) terminateSession(conv *models.Conversation, key string, closeIfBot bool) error {
	e.sessions.Delete(key)
	if !closeIfBot || conv == nil {
		return nil
	}
	current, err := e.store.GetConversation(conv.ID)
	if err != nil {
		return err
	}
	if current.Status != models.ConversationStatusBot {
		return nil
	}
	current.Status = models.ConversationStatusClosed
	if err := e.store.UpdateConversation(current); err != nil {
		return err
	}
	*conv = *current
	e.bus.Emit(events.EventConversationUpdated, current)
	return nil
}
