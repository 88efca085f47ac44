package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zapdesk/zapdesk/internal/classifier"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/messaging"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

const (
	customerAddr = "5511999990000"
	agentAddr    = "5511888880000"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.InMemoryStore, *messaging.MockService, *events.Recorder) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()
	rec := events.NewRecorder()
	opts = append([]Option{WithChainDelay(0), WithMediaDir(t.TempDir())}, opts...)
	e := NewEngine(st, msg, rec, opts...)
	return e, st, msg, rec
}

func mustCreateFlow(t *testing.T, st store.Store, name, trigger string, audience models.Audience) *models.Flow {
	t.Helper()
	f := &models.Flow{Name: name, TriggerKeyword: trigger, TargetAudience: audience}
	if err := st.CreateFlow(f); err != nil {
		t.Fatalf("CreateFlow(%q) failed: %v", name, err)
	}
	return f
}

func mustSaveStep(t *testing.T, st store.Store, step *models.FlowStep) *models.FlowStep {
	t.Helper()
	if err := st.SaveStep(step); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}
	return step
}

func setInitialStep(t *testing.T, st store.Store, flow *models.Flow, stepID int64) {
	t.Helper()
	flow.InitialStepID = &stepID
	if err := st.UpdateFlow(flow); err != nil {
		t.Fatalf("UpdateFlow failed: %v", err)
	}
}

// inject stamps messages with the current time so they interleave with
// engine-sent messages in persistence order under the stable timestamp sort.
func inject(t *testing.T, e *Engine, from, body string) {
	t.Helper()
	err := e.HandleInbound(context.Background(), models.InboundMessage{From: from, Body: body, Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("HandleInbound(%q) failed: %v", body, err)
	}
}

func mustCreateAgent(t *testing.T, st store.Store, role models.Role, address string) *models.User {
	t.Helper()
	u := &models.User{Name: "Ana", Email: string(role) + "@zapdesk.test", Role: role, Address: address, PasswordHash: "x"}
	if err := st.CreateUser(u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

// A trigger starts the flow, MESSAGE steps auto-chain, and the flow suspends
// on the first question.
func TestTriggerStartsFlowChainsAndSuspends(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Boas-vindas", "oi", models.AudienceCustomer)
	question := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText, MessageBody: "Qual o seu nome?",
	})
	second := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage,
		MessageBody: "Estou aqui para ajudar.", NextStepID: &question.ID,
	})
	first := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage,
		MessageBody: "Olá! Bem-vindo.", NextStepID: &second.ID,
	})
	setInitialStep(t, st, flow, first.ID)

	inject(t, e, customerAddr, "Oi")

	sent := msg.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 outbound messages, got %d: %+v", len(sent), sent)
	}
	if sent[0].Body != "Olá! Bem-vindo." || sent[2].Body != "Qual o seu nome?" {
		t.Errorf("unexpected chain order: %+v", sent)
	}

	sess, ok := e.Sessions().Get(customerAddr)
	if !ok {
		t.Fatal("expected a suspended session")
	}
	if sess.CurrentStepID != question.ID {
		t.Errorf("session suspended on step %d, want %d", sess.CurrentStepID, question.ID)
	}

	conv, err := st.GetConversationByAddress(customerAddr)
	if err != nil {
		t.Fatalf("GetConversationByAddress failed: %v", err)
	}
	if conv.Status != models.ConversationStatusBot {
		t.Errorf("conversation status = %q, want %q", conv.Status, models.ConversationStatusBot)
	}
	msgs, err := st.ListMessages(conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 4 { // inbound + three outbound
		t.Errorf("expected 4 persisted messages, got %d", len(msgs))
	}
	if msgs[0].FromMe {
		t.Error("first persisted message should be the inbound one")
	}
}

// A message matching no trigger queues the conversation for a human without
// any bot reply.
func TestUnmatchedMessageFallsToHuman(t *testing.T) {
	e, st, msg, rec := newTestEngine(t)

	inject(t, e, customerAddr, "preciso falar com alguém")

	if len(msg.Sent()) != 0 {
		t.Errorf("expected no outbound messages, got %+v", msg.Sent())
	}
	conv, err := st.GetConversationByAddress(customerAddr)
	if err != nil {
		t.Fatalf("conversation was not created: %v", err)
	}
	if conv.Status != models.ConversationStatusOpen {
		t.Errorf("conversation status = %q, want open", conv.Status)
	}
	if conv.AssignedAgentID != nil {
		t.Error("conversation should be unassigned")
	}
	msgs, _ := st.ListMessages(conv.ID)
	if len(msgs) != 1 || msgs[0].FromMe || msgs[0].Body != "preciso falar com alguém" {
		t.Errorf("inbound message not persisted correctly: %+v", msgs)
	}
	if got := rec.ByName(events.EventNewMessage); len(got) != 1 {
		t.Errorf("expected 1 new-message event, got %d", len(got))
	}
	if got := rec.ByName(events.EventConversationUpdated); len(got) != 1 {
		t.Errorf("expected 1 conversation-updated event, got %d", len(got))
	}
	if _, ok := e.Sessions().Get(customerAddr); ok {
		t.Error("no session should exist without a matched trigger")
	}
}

// Only a new or closed conversation queues for a human on fallback; an
// existing bot conversation keeps its status.
func TestFallbackKeepsExistingBotConversation(t *testing.T) {
	e, st, _, rec := newTestEngine(t)

	conv, err := st.FindOrCreateConversation(customerAddr)
	if err != nil {
		t.Fatalf("FindOrCreateConversation failed: %v", err)
	}
	if conv.Status != models.ConversationStatusBot {
		t.Fatalf("new conversation status = %q, want bot", conv.Status)
	}

	inject(t, e, customerAddr, "oi")

	conv, _ = st.GetConversation(conv.ID)
	if conv.Status != models.ConversationStatusBot {
		t.Errorf("fallback flipped existing bot conversation to %q", conv.Status)
	}
	if got := rec.ByName(events.EventConversationUpdated); len(got) != 0 {
		t.Errorf("expected no conversation-updated events, got %d", len(got))
	}

	conv.Status = models.ConversationStatusClosed
	if err := st.UpdateConversation(conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	inject(t, e, customerAddr, "oi de novo")

	conv, _ = st.GetConversation(conv.ID)
	if conv.Status != models.ConversationStatusOpen {
		t.Errorf("fallback on closed conversation left status %q, want open", conv.Status)
	}
}

// The sender's push name becomes the conversation display name, with the
// address as last resort.
func TestInboundPushNameSetsDisplayName(t *testing.T) {
	e, st, _, _ := newTestEngine(t)

	err := e.HandleInbound(context.Background(), models.InboundMessage{
		From: customerAddr, PushName: "Maria Silva", Body: "oi", Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	conv, _ := st.GetConversationByAddress(customerAddr)
	if conv.DisplayName != "Maria Silva" {
		t.Errorf("DisplayName = %q, want %q", conv.DisplayName, "Maria Silva")
	}

	// A renamed contact updates the conversation.
	err = e.HandleInbound(context.Background(), models.InboundMessage{
		From: customerAddr, PushName: "Maria S.", Body: "oi", Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	conv, _ = st.GetConversationByAddress(customerAddr)
	if conv.DisplayName != "Maria S." {
		t.Errorf("DisplayName = %q, want %q", conv.DisplayName, "Maria S.")
	}

	// No push name: the address stands in.
	err = e.HandleInbound(context.Background(), models.InboundMessage{
		From: agentAddr, Body: "oi", Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	conv, _ = st.GetConversationByAddress(agentAddr)
	if conv.DisplayName != agentAddr {
		t.Errorf("DisplayName = %q, want the address", conv.DisplayName)
	}
}

// An exact trigger wins over the wildcard; the wildcard catches the rest.
func TestTriggerPrecedence(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	exact := mustCreateFlow(t, st, "Saudação", "oi", models.AudienceCustomer)
	exactStep := mustSaveStep(t, st, &models.FlowStep{
		FlowID: exact.ID, StepType: models.StepTypeMessage, MessageBody: "fluxo exato",
	})
	setInitialStep(t, st, exact, exactStep.ID)

	wild := mustCreateFlow(t, st, "Padrão", models.WildcardKeyword, models.AudienceCustomer)
	wildStep := mustSaveStep(t, st, &models.FlowStep{
		FlowID: wild.ID, StepType: models.StepTypeMessage, MessageBody: "fluxo padrão",
	})
	setInitialStep(t, st, wild, wildStep.ID)

	inject(t, e, customerAddr, "OI")
	if got := msg.LastSent(); got == nil || got.Body != "fluxo exato" {
		t.Fatalf("exact trigger should win over wildcard, got %+v", got)
	}

	inject(t, e, "5511777770000", "qualquer coisa")
	if got := msg.LastSent(); got == nil || got.Body != "fluxo padrão" {
		t.Fatalf("wildcard should catch unmatched text, got %+v", got)
	}
}

// Sessions are keyed per conversation; concurrent customers never share state.
func TestSessionIsolation(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Cadastro", "cadastro", models.AudienceCustomer)
	confirm := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Obrigado, {nome}!",
	})
	ask := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText,
		MessageBody: "Qual o seu nome?", FormFieldKey: "nome", NextStepID: &confirm.ID,
	})
	setInitialStep(t, st, flow, ask.ID)

	other := "5511666660000"
	inject(t, e, customerAddr, "cadastro")
	inject(t, e, other, "cadastro")
	inject(t, e, customerAddr, "Maria")

	var forFirst, forOther []string
	for _, rec := range msg.Sent() {
		if rec.To == customerAddr {
			forFirst = append(forFirst, rec.Body)
		} else {
			forOther = append(forOther, rec.Body)
		}
	}
	if forFirst[len(forFirst)-1] != "Obrigado, Maria!" {
		t.Errorf("placeholder not rendered from session data: %v", forFirst)
	}
	if sess, ok := e.Sessions().Get(other); !ok {
		t.Error("second customer's session should still be suspended")
	} else if len(sess.FormData) != 0 {
		t.Errorf("second customer's form data leaked: %v", sess.FormData)
	}
	for _, body := range forOther {
		if strings.Contains(body, "Maria") {
			t.Errorf("first customer's answer leaked to second: %q", body)
		}
	}
}

// Unresolved placeholders stay verbatim.
func TestUnresolvedPlaceholderStaysVerbatim(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Eco", "eco", models.AudienceCustomer)
	step := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Olá, {desconhecido}!",
	})
	setInitialStep(t, st, flow, step.ID)

	inject(t, e, customerAddr, "eco")
	if got := msg.Sent()[0].Body; got != "Olá, {desconhecido}!" {
		t.Errorf("unresolved placeholder rewritten: %q", got)
	}
}

// Admin-authored form keys are free text: accents, spaces, and padding inside
// the braces all resolve.
func TestRenderTemplateFreeFormKeys(t *testing.T) {
	formData := map[string]string{
		"nome completo": "Maria Silva",
		"endereço":      "Rua A, 1",
	}
	cases := []struct {
		body string
		want string
	}{
		{"Olá, {nome completo}!", "Olá, Maria Silva!"},
		{"Entrega em {endereço}.", "Entrega em Rua A, 1."},
		{"Confira: { nome completo }", "Confira: Maria Silva"},
		{"Sem chave: {}", "Sem chave: {}"},
		{"Não mapeado: {cpf do titular}", "Não mapeado: {cpf do titular}"},
	}
	for _, tc := range cases {
		if got := renderTemplate(tc.body, formData); got != tc.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

// Poll keyword matching is case-insensitive and whole-reply; extra words do
// not match, and an unmatched reply re-prompts without touching the session.
func TestPollMatching(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Confirmação", "confirmar", models.AudienceCustomer)
	yes := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Confirmado!",
	})
	poll := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionPoll, MessageBody: "Deseja confirmar?",
		PollOptions: []models.PollOption{
			{OptionText: "Sim, confirmar", TriggerKeyword: "sim", NextStepIDOnSelect: &yes.ID},
			{OptionText: "Não", TriggerKeyword: "nao"},
		},
	})
	setInitialStep(t, st, flow, poll.ID)

	inject(t, e, customerAddr, "confirmar")
	menu := msg.LastSent().Body
	if !strings.Contains(menu, "1. Sim, confirmar") || !strings.Contains(menu, "2. Não") {
		t.Fatalf("poll menu not rendered: %q", menu)
	}

	inject(t, e, customerAddr, "sim por favor")
	if got := msg.LastSent().Body; !strings.Contains(got, invalidOptionMessage) {
		t.Fatalf("extra words should not match a keyword, got %q", got)
	}
	if sess, ok := e.Sessions().Get(customerAddr); !ok || sess.CurrentStepID != poll.ID {
		t.Fatal("session should remain suspended on the poll after a bad reply")
	}

	inject(t, e, customerAddr, "SIM")
	if got := msg.LastSent().Body; got != "Confirmado!" {
		t.Fatalf("case-insensitive keyword should match, got %q", got)
	}
	sess, ok := e.Sessions().Get(customerAddr)
	if ok {
		t.Fatalf("flow should have terminated, session remains: %+v", sess)
	}
}

// An AI-choice question never renders its options and routes through the
// classifier when no literal match exists.
func TestAIChoiceClassifierFallback(t *testing.T) {
	mock := &classifier.MockClassifier{Index: 1}
	e, st, msg, _ := newTestEngine(t, WithClassifier(mock))

	flow := mustCreateFlow(t, st, "Triagem", "menu", models.AudienceCustomer)
	sales := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Encaminhando para vendas.",
	})
	support := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Encaminhando para o suporte.",
	})
	choice := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionAIChoice, MessageBody: "Como posso ajudar?",
		PollOptions: []models.PollOption{
			{OptionText: "Suporte técnico", NextStepIDOnSelect: &support.ID},
			{OptionText: "Vendas", NextStepIDOnSelect: &sales.ID},
		},
	})
	setInitialStep(t, st, flow, choice.ID)

	inject(t, e, customerAddr, "menu")
	if got := msg.LastSent().Body; got != "Como posso ajudar?" {
		t.Fatalf("AI choice question should not render options, got %q", got)
	}

	inject(t, e, customerAddr, "quero comprar um plano novo")
	if got := msg.LastSent().Body; got != "Encaminhando para vendas." {
		t.Fatalf("classifier index should pick the branch, got %q", got)
	}
}

// An external query failure takes the failure edge and leaves form data
// untouched.
func TestQueryFailureTakesFailEdge(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Consulta", "consulta", models.AudienceCustomer)
	fail := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText, MessageBody: "Não encontrei. Tente novamente:",
	})
	ask := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText,
		MessageBody: "Informe o seu CPF:", FormFieldKey: "cpf",
		NextStepIDOnFail: &fail.ID,
		Query: &models.ExternalQueryConfig{
			CredentialID: 9999, // no such credential
			Query:        "SELECT nome FROM clientes WHERE cpf = :userInput",
		},
	})
	setInitialStep(t, st, flow, ask.ID)

	inject(t, e, customerAddr, "consulta")
	inject(t, e, customerAddr, "123.456.789-00")

	if got := msg.LastSent().Body; got != "Não encontrei. Tente novamente:" {
		t.Fatalf("failure edge not taken, got %q", got)
	}
	sess, ok := e.Sessions().Get(customerAddr)
	if !ok {
		t.Fatal("session should remain active on the failure branch")
	}
	if _, exists := sess.FormData["cpf"]; exists {
		t.Error("form data must stay untouched when the query fails")
	}
}

// Assuming a chat assigns the agent, discards the bot session, welcomes the
// customer, and notifies a previously assigned agent.
func TestAssumeChat(t *testing.T) {
	e, st, msg, rec := newTestEngine(t)
	agent := mustCreateAgent(t, st, models.RoleAgent, agentAddr)

	conv, err := st.FindOrCreateConversation(customerAddr)
	if err != nil {
		t.Fatalf("FindOrCreateConversation failed: %v", err)
	}
	e.Sessions().Set(&models.Session{ConversationKey: customerAddr, FlowID: 1, CurrentStepID: 1})

	updated, err := e.Handoff().Assume(context.Background(), conv.ID, agent)
	if err != nil {
		t.Fatalf("Assume failed: %v", err)
	}
	if updated.Status != models.ConversationStatusOpen || updated.AssignedAgentID == nil || *updated.AssignedAgentID != agent.ID {
		t.Errorf("conversation not assigned: %+v", updated)
	}
	if _, ok := e.Sessions().Get(customerAddr); ok {
		t.Error("bot session should be discarded on takeover")
	}
	if target, ok := e.Relay().Get(agentAddr); !ok || target != customerAddr {
		t.Error("relay entry for the agent should be created")
	}
	welcome := msg.LastSent()
	if welcome == nil || welcome.To != customerAddr || !strings.Contains(welcome.Body, agent.Name) {
		t.Errorf("welcome message missing or wrong: %+v", welcome)
	}
	msgs, _ := st.ListMessages(conv.ID)
	if len(msgs) != 1 || !msgs[0].FromMe {
		t.Errorf("welcome message not persisted: %+v", msgs)
	}
	if got := rec.ByName(events.EventConversationUpdated); len(got) != 1 {
		t.Errorf("expected conversation-updated event, got %d", len(got))
	}
}

// Once an agent holds the conversation, customer replies are logged but never
// advance a flow.
func TestTakeoverSuppressesFlowReplies(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)
	agent := mustCreateAgent(t, st, models.RoleAgent, "")

	flow := mustCreateFlow(t, st, "Cadastro", "cadastro", models.AudienceCustomer)
	confirm := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "Obrigado!",
	})
	ask := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText,
		MessageBody: "Qual o seu nome?", NextStepID: &confirm.ID,
	})
	setInitialStep(t, st, flow, ask.ID)

	inject(t, e, customerAddr, "cadastro")
	conv, _ := st.GetConversationByAddress(customerAddr)
	if _, err := e.Handoff().Assume(context.Background(), conv.ID, agent); err != nil {
		t.Fatalf("Assume failed: %v", err)
	}

	before := len(msg.Sent())
	inject(t, e, customerAddr, "Maria")
	for _, rec := range msg.Sent()[before:] {
		if rec.Body == "Obrigado!" {
			t.Fatal("flow advanced after agent takeover")
		}
	}
	msgs, _ := st.ListMessages(conv.ID)
	last := msgs[len(msgs)-1]
	if last.FromMe || last.Body != "Maria" {
		t.Errorf("customer reply should still be logged: %+v", last)
	}
}

// A flow termination carrying a stale conversation row must not clobber an
// agent assignment that landed in the meantime.
func TestTerminateSessionHonorsFreshOwnership(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	agent := mustCreateAgent(t, st, models.RoleAgent, "")

	conv, err := st.FindOrCreateConversation(customerAddr)
	if err != nil {
		t.Fatalf("FindOrCreateConversation failed: %v", err)
	}
	stale := *conv // still autoatendimento

	if _, err := e.Handoff().Assume(context.Background(), conv.ID, agent); err != nil {
		t.Fatalf("Assume failed: %v", err)
	}

	if err := e.terminateSession(&stale, customerAddr, true); err != nil {
		t.Fatalf("terminateSession failed: %v", err)
	}
	current, _ := st.GetConversation(conv.ID)
	if current.Status != models.ConversationStatusOpen {
		t.Errorf("status = %q, want open", current.Status)
	}
	if current.AssignedAgentID == nil || *current.AssignedAgentID != agent.ID {
		t.Error("agent assignment was clobbered by a stale termination")
	}
}

// Relay mode forwards agent text to the customer and honors the close and
// exit commands.
func TestRelayModeForwardCloseExit(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)
	agent := mustCreateAgent(t, st, models.RoleAgent, agentAddr)

	conv, _ := st.FindOrCreateConversation(customerAddr)
	if _, err := e.Handoff().Assume(context.Background(), conv.ID, agent); err != nil {
		t.Fatalf("Assume failed: %v", err)
	}

	inject(t, e, agentAddr, "Bom dia! Em que posso ajudar?")
	forwarded := msg.LastSent()
	if forwarded.To != customerAddr || forwarded.Body != "Bom dia! Em que posso ajudar?" {
		t.Fatalf("agent text not relayed: %+v", forwarded)
	}
	msgs, _ := st.ListMessages(conv.ID)
	last := msgs[len(msgs)-1]
	if !last.FromMe || last.Body != "Bom dia! Em que posso ajudar?" {
		t.Errorf("relayed message not persisted as ours: %+v", last)
	}

	inject(t, e, agentAddr, RelayCommandExit)
	if _, ok := e.Relay().Get(agentAddr); ok {
		t.Error("exit command should leave relay mode")
	}
	conv, _ = st.GetConversation(conv.ID)
	if conv.Status != models.ConversationStatusOpen {
		t.Errorf("exit must not close the conversation, status = %q", conv.Status)
	}

	e.Relay().Set(agentAddr, customerAddr)
	inject(t, e, agentAddr, RelayCommandClose)
	conv, _ = st.GetConversation(conv.ID)
	if conv.Status != models.ConversationStatusClosed || conv.AssignedAgentID != nil {
		t.Errorf("close command should close and unassign, got %+v", conv)
	}
	if _, ok := e.Relay().Get(agentAddr); ok {
		t.Error("close command should leave relay mode")
	}
}

// END_FLOW sends its optional message and closes a bot-owned conversation.
func TestEndFlowClosesBotConversation(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Tchau", "tchau", models.AudienceCustomer)
	end := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeEndFlow, MessageBody: "Até logo!",
	})
	setInitialStep(t, st, flow, end.ID)

	inject(t, e, customerAddr, "tchau")
	if got := msg.LastSent().Body; got != "Até logo!" {
		t.Errorf("end message not sent, got %q", got)
	}
	conv, _ := st.GetConversationByAddress(customerAddr)
	if conv.Status != models.ConversationStatusClosed {
		t.Errorf("conversation status = %q, want closed", conv.Status)
	}
	if _, ok := e.Sessions().Get(customerAddr); ok {
		t.Error("session should be gone after END_FLOW")
	}
}

// REQUEST_HUMAN_SUPPORT opens the conversation unassigned and drops the
// session.
func TestRequestHumanSupport(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	flow := mustCreateFlow(t, st, "Atendente", "atendente", models.AudienceCustomer)
	step := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeRequestHumanSupport,
		MessageBody: "Aguarde, um atendente irá falar com você.",
	})
	setInitialStep(t, st, flow, step.ID)

	inject(t, e, customerAddr, "atendente")
	if got := msg.LastSent().Body; !strings.Contains(got, "atendente") {
		t.Errorf("handoff message not sent, got %q", got)
	}
	conv, _ := st.GetConversationByAddress(customerAddr)
	if conv.Status != models.ConversationStatusOpen || conv.AssignedAgentID != nil {
		t.Errorf("conversation should be open and unassigned, got %+v", conv)
	}
	if _, ok := e.Sessions().Get(customerAddr); ok {
		t.Error("session should be gone after handoff")
	}
}

// FORM_SUBMIT persists the submission, posts it to the webhook integration,
// and closes the conversation.
func TestFormSubmitPersistsAndNotifies(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)

	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("webhook payload decode failed: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := st.SaveIntegration(&models.Integration{
		Name: "CRM", Type: models.IntegrationTypeWebhook, TargetURL: srv.URL,
	}); err != nil {
		t.Fatalf("SaveIntegration failed: %v", err)
	}

	flow := mustCreateFlow(t, st, "Cadastro", "cadastro", models.AudienceCustomer)
	submit := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeFormSubmit, MessageBody: "Cadastro concluído, {nome}!",
	})
	ask := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText,
		MessageBody: "Qual o seu nome?", FormFieldKey: "nome", NextStepID: &submit.ID,
	})
	setInitialStep(t, st, flow, ask.ID)

	inject(t, e, customerAddr, "cadastro")
	inject(t, e, customerAddr, "Maria")

	if got := msg.LastSent().Body; got != "Cadastro concluído, Maria!" {
		t.Errorf("closing message wrong: %q", got)
	}
	subs, err := st.ListFormSubmissions(flow.ID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected 1 form submission, got %d (err=%v)", len(subs), err)
	}
	if subs[0].Data["nome"] != "Maria" || subs[0].Address != customerAddr {
		t.Errorf("submission contents wrong: %+v", subs[0])
	}

	select {
	case payload := <-received:
		data, _ := payload["data"].(map[string]interface{})
		if data["nome"] != "Maria" {
			t.Errorf("webhook payload wrong: %+v", payload)
		}
	default:
		t.Error("webhook was not called")
	}

	conv, _ := st.GetConversationByAddress(customerAddr)
	if conv.Status != models.ConversationStatusClosed {
		t.Errorf("conversation status = %q, want closed", conv.Status)
	}
}

// Agent-audience flows trigger only for registered agents, and LIST_CHATS
// summarizes open conversations.
func TestAgentFlowListChats(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)
	mustCreateAgent(t, st, models.RoleAgent, agentAddr)

	conv, _ := st.FindOrCreateConversation(customerAddr)
	conv.Status = models.ConversationStatusOpen
	conv.DisplayName = "Cliente Maria"
	if err := st.UpdateConversation(conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	flow := mustCreateFlow(t, st, "Meus chats", "!chats", models.AudienceAgent)
	step := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeListChats,
	})
	setInitialStep(t, st, flow, step.ID)

	inject(t, e, agentAddr, "!chats")
	summary := msg.LastSent()
	if summary == nil || summary.To != agentAddr {
		t.Fatalf("summary not sent to agent: %+v", summary)
	}
	if !strings.Contains(summary.Body, "Cliente Maria") || !strings.Contains(summary.Body, "sem atendente") {
		t.Errorf("summary contents wrong: %q", summary.Body)
	}

	// The same trigger from a customer must not fire the agent flow; it falls
	// through to the human queue instead.
	before := len(msg.Sent())
	inject(t, e, "5511555550000", "!chats")
	if len(msg.Sent()) != before {
		t.Error("agent flow leaked to customer audience")
	}
}

// An ASSIGN_CHAT step driven by a question assigns the chat collected into
// form data.
func TestAgentAssignChatFlow(t *testing.T) {
	e, st, msg, _ := newTestEngine(t)
	agent := mustCreateAgent(t, st, models.RoleAgent, agentAddr)

	conv, _ := st.FindOrCreateConversation(customerAddr)
	conv.Status = models.ConversationStatusOpen
	if err := st.UpdateConversation(conv); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	flow := mustCreateFlow(t, st, "Assumir", "!assumir", models.AudienceAgent)
	assign := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeAssignChat, FormFieldKey: "chat_id",
	})
	ask := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeQuestionText,
		MessageBody: "Qual o número do atendimento?", FormFieldKey: "chat_id", NextStepID: &assign.ID,
	})
	setInitialStep(t, st, flow, ask.ID)

	inject(t, e, agentAddr, "!assumir")
	inject(t, e, agentAddr, strconv.FormatInt(conv.ID, 10))

	got, _ := st.GetConversation(conv.ID)
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agent.ID {
		t.Fatalf("chat not assigned: %+v", got)
	}
	welcomed := false
	for _, rec := range msg.Sent() {
		if rec.To == customerAddr && strings.Contains(rec.Body, agent.Name) {
			welcomed = true
		}
	}
	if !welcomed {
		t.Error("customer was not welcomed by the assuming agent")
	}
	if target, ok := e.Relay().Get(agentAddr); !ok || target != customerAddr {
		t.Error("assuming a chat should enter relay mode")
	}
}

// A step graph cycle of MESSAGE steps terminates at the chain bound instead
// of looping forever.
func TestChainBoundStopsCycles(t *testing.T) {
	e, st, msg, _ := newTestEngine(t, WithMaxChainSteps(5))

	flow := mustCreateFlow(t, st, "Loop", "loop", models.AudienceCustomer)
	a := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "ping",
	})
	b := mustSaveStep(t, st, &models.FlowStep{
		FlowID: flow.ID, StepType: models.StepTypeMessage, MessageBody: "pong", NextStepID: &a.ID,
	})
	a.NextStepID = &b.ID
	mustSaveStep(t, st, a)
	setInitialStep(t, st, flow, a.ID)

	inject(t, e, customerAddr, "loop")
	if got := len(msg.Sent()); got > 5 {
		t.Errorf("chain bound not enforced, %d messages sent", got)
	}
	if _, ok := e.Sessions().Get(customerAddr); ok {
		t.Error("session should be terminated when the bound is hit")
	}
}

// Messages from our own outbound echo are ignored.
func TestSelfMessagesIgnored(t *testing.T) {
	e, st, _, _ := newTestEngine(t)

	err := e.HandleInbound(context.Background(), models.InboundMessage{
		From: customerAddr, Body: "oi", IsFromSelf: true,
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if _, err := st.GetConversationByAddress(customerAddr); err == nil {
		t.Error("self messages must not create conversations")
	}
}
