package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zapdesk/zapdesk/internal/classifier"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/extquery"
	"github.com/zapdesk/zapdesk/internal/messaging"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/webhook"
)

// Engine configuration defaults.
const (
	// DefaultChainDelay is the pause between consecutive auto-chained sends,
	// preserving perceived message ordering on the transport.
	DefaultChainDelay = 500 * time.Millisecond
	// DefaultMaxChainSteps bounds the auto-chain loop against step cycles.
	DefaultMaxChainSteps = 25
	// DefaultMediaDir is where inbound media payloads are persisted.
	DefaultMediaDir = "/var/lib/zapdesk/media"
)

// Opts holds configuration options for the engine.
type Opts struct {
	ChainDelay    time.Duration
	MaxChainSteps int
	MediaDir      string
	Sessions      SessionStore
	Relay         RelayStore
	Classifier    classifier.Classifier
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithChainDelay sets the delay between auto-chained message sends.
func WithChainDelay(d time.Duration) Option {
	return func(o *Opts) { o.ChainDelay = d }
}

// WithMaxChainSteps bounds the number of steps one advance may execute.
func WithMaxChainSteps(n int) Option {
	return func(o *Opts) { o.MaxChainSteps = n }
}

// WithMediaDir sets the directory inbound media is persisted to.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithSessionStore injects a session store (in-memory by default).
func WithSessionStore(s SessionStore) Option {
	return func(o *Opts) { o.Sessions = s }
}

// WithRelayStore injects a relay store (in-memory by default).
func WithRelayStore(r RelayStore) Option {
	return func(o *Opts) { o.Relay = r }
}

// WithClassifier injects the AI-choice classifier. Without one,
// QUESTION_AI_CHOICE steps fall back to re-prompting on unmatched replies.
func WithClassifier(c classifier.Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// Engine is the conversation and flow orchestration core. It consumes inbound
// messages from the transport, resolves triggers, walks flow step graphs, and
// arbitrates conversation ownership between bot and human agents.
type Engine struct {
	store      store.Store
	msg        messaging.Service
	bus        events.Bus
	sessions   SessionStore
	relay      RelayStore
	resolver   *TriggerResolver
	handoff    *HandoffCoordinator
	ext        *extquery.Adapter
	classifier classifier.Classifier
	webhook    *webhook.Notifier

	chainDelay    time.Duration
	maxChainSteps int
	mediaDir      string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine creates the engine with its default collaborators, applying any
// provided options.
func NewEngine(st store.Store, msg messaging.Service, bus events.Bus, opts ...Option) *Engine {
	cfg := Opts{
		ChainDelay:    DefaultChainDelay,
		MaxChainSteps: DefaultMaxChainSteps,
		MediaDir:      DefaultMediaDir,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewInMemorySessionStore()
	}
	if cfg.Relay == nil {
		cfg.Relay = NewInMemoryRelayStore()
	}

	e := &Engine{
		store:         st,
		msg:           msg,
		bus:           bus,
		sessions:      cfg.Sessions,
		relay:         cfg.Relay,
		resolver:      NewTriggerResolver(st),
		ext:           extquery.NewAdapter(),
		classifier:    cfg.Classifier,
		webhook:       webhook.NewNotifier(),
		chainDelay:    cfg.ChainDelay,
		maxChainSteps: cfg.MaxChainSteps,
		mediaDir:      cfg.MediaDir,
		locks:         make(map[string]*sync.Mutex),
	}
	e.handoff = NewHandoffCoordinator(st, msg, bus, cfg.Sessions, cfg.Relay)
	slog.Debug("engine initialized", "chainDelay", e.chainDelay, "maxChainSteps", e.maxChainSteps)
	return e
}

// Handoff exposes the coordinator for the HTTP API's assume/close/reopen
// operations.
func (e *Engine) Handoff() *HandoffCoordinator {
	return e.handoff
}

// Sessions exposes the session store for tests and diagnostics.
func (e *Engine) Sessions() SessionStore {
	return e.sessions
}

// Relay exposes the relay store for tests and diagnostics.
func (e *Engine) Relay() RelayStore {
	return e.relay
}

// Run consumes the transport's channels until the context is cancelled.
// Messages for different conversations are handled in parallel; messages for
// the same conversation are serialized by a keyed mutex.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("engine: run loop starting")
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine: run loop stopping", "reason", ctx.Err())
			return
		case m, ok := <-e.msg.Messages():
			if !ok {
				slog.Info("engine: messages channel closed, stopping")
				return
			}
			go func(m models.InboundMessage) {
				unlock := e.lockConversation(m.From)
				defer unlock()
				if err := e.HandleInbound(ctx, m); err != nil {
					slog.Error("engine: inbound handling failed", "error", err, "from", m.From)
				}
			}(m)
		case evt, ok := <-e.msg.ConnectionEvents():
			if !ok {
				return
			}
			e.bus.Emit(events.EventConnectionStatus, evt)
		}
	}
}

func (e *Engine) lockConversation(key string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleInbound processes one inbound transport message to completion.
func (e *Engine) HandleInbound(ctx context.Context, m models.InboundMessage) error {
	if m.IsFromSelf {
		return nil
	}

	user, err := e.store.GetUserByAddress(m.From)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to resolve sender audience: %w", err)
	}
	if user != nil {
		return e.handleInternalMessage(ctx, user, m)
	}
	return e.handleCustomerMessage(ctx, m)
}

// handleInternalMessage processes a message from a registered agent or admin:
// relay mode first, then an active session, then trigger resolution. Internal
// messages never land in the customer inbox.
func (e *Engine) handleInternalMessage(ctx context.Context, user *models.User, m models.InboundMessage) error {
	if customerAddr, ok := e.relay.Get(user.Address); ok {
		return e.handleRelayMessage(ctx, user, customerAddr, m)
	}

	if sess, ok := e.sessions.Get(m.From); ok {
		return e.continueSession(ctx, nil, sess, m, user)
	}

	audience := models.AudienceAgent
	if user.Role == models.RoleAdmin {
		audience = models.AudienceAdmin
	}
	flow, err := e.resolver.Resolve(m.Body, audience)
	if err != nil {
		return err
	}
	if flow == nil {
		slog.Debug("engine: internal message matched no trigger, ignoring", "userID", user.ID)
		return nil
	}
	return e.startFlow(ctx, nil, m.From, flow, user)
}

// handleRelayMessage forwards an in-relay agent's text to the customer, or
// executes the close/exit commands.
func (e *Engine) handleRelayMessage(ctx context.Context, agent *models.User, customerAddr string, m models.InboundMessage) error {
	body := strings.TrimSpace(m.Body)
	switch strings.ToLower(body) {
	case RelayCommandClose:
		conv, err := e.store.GetConversationByAddress(customerAddr)
		if err != nil {
			e.relay.Delete(agent.Address)
			return fmt.Errorf("relay close: conversation for %s not found: %w", customerAddr, err)
		}
		if _, err := e.handoff.Close(ctx, conv.ID, agent); err != nil {
			return err
		}
		return e.msg.SendMessage(ctx, agent.Address, "Atendimento encerrado com sucesso.")
	case RelayCommandExit:
		e.relay.Delete(agent.Address)
		slog.Info("engine: agent left relay mode", "agentID", agent.ID, "customer", customerAddr)
		return e.msg.SendMessage(ctx, agent.Address, "Você saiu do modo conversa. O atendimento continua aberto.")
	}

	conv, err := e.store.GetConversationByAddress(customerAddr)
	if err != nil {
		return fmt.Errorf("relay: conversation for %s not found: %w", customerAddr, err)
	}
	if err := e.msg.SendMessage(ctx, customerAddr, body); err != nil {
		return fmt.Errorf("relay forward failed: %w", err)
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
	return nil
}

// handleCustomerMessage processes a message from an external contact.
func (e *Engine) handleCustomerMessage(ctx context.Context, m models.InboundMessage) error {
	conv, err := e.store.GetConversationByAddress(m.From)
	created := false
	if errors.Is(err, store.ErrNotFound) {
		conv, err = e.store.FindOrCreateConversation(m.From)
		created = true
	}
	if err != nil {
		return err
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	e.refreshContactIdentity(conv, m)

	e.persistInbound(ctx, conv, m)

	// An assigned conversation is the agent's alone; the bot stays out.
	if conv.IsAgentAssigned() {
		e.forwardToRelayingAgent(ctx, conv, m)
		return nil
	}

	if sess, ok := e.sessions.Get(m.From); ok {
		return e.continueSession(ctx, conv, sess, m, nil)
	}

	flow, err := e.resolver.Resolve(m.Body, models.AudienceCustomer)
	if err != nil {
		return err
	}
	if flow != nil {
		if conv.Status != models.ConversationStatusBot {
			conv.Status = models.ConversationStatusBot
			if err := e.store.UpdateConversation(conv); err != nil {
				return err
			}
			e.bus.Emit(events.EventConversationUpdated, conv)
		}
		return e.startFlow(ctx, conv, m.From, flow, nil)
	}

	// Human fallback: no trigger, no session. A brand-new or previously
	// closed conversation queues for a human; an existing bot conversation
	// keeps its status. The message is already persisted and announced.
	if created || conv.Status == models.ConversationStatusClosed {
		conv.Status = models.ConversationStatusOpen
		if err := e.store.UpdateConversation(conv); err != nil {
			return err
		}
		e.bus.Emit(events.EventConversationUpdated, conv)
	}
	return nil
}

// refreshContactIdentity keeps the conversation's display name in sync with
// the sender's push name, falling back to the address when none is known.
func (e *Engine) refreshContactIdentity(conv *models.Conversation, m models.InboundMessage) {
	name := m.PushName
	if name == "" && conv.DisplayName == "" {
		name = m.From
	}
	if name == "" || conv.DisplayName == name {
		return
	}
	conv.DisplayName = name
	if err := e.store.UpdateConversation(conv); err != nil {
		slog.Error("engine: failed to update conversation display name", "error", err, "conversationID", conv.ID)
	}
}

// persistInbound appends the inbound message (downloading media when present)
// to the conversation log and announces it. Failures are logged; an inbound
// message must never block handling.
func (e *Engine) persistInbound(ctx context.Context, conv *models.Conversation, m models.InboundMessage) {
	msg := &models.Message{
		ConversationID: conv.ID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		FromMe:         false,
		MediaType:      m.MediaType,
	}
	if m.HasMedia && m.Download != nil {
		data, mimetype, err := m.Download()
		if err != nil {
			slog.Error("engine: media download failed", "error", err, "from", m.From)
		} else {
			url, err := e.saveMedia(data, mimetype)
			if err != nil {
				slog.Error("engine: media persistence failed", "error", err, "from", m.From)
			} else {
				msg.MediaURL = url
				if msg.MediaType == "" {
					msg.MediaType = mimetype
				}
			}
		}
	}
	if err := e.store.AddMessage(msg); err != nil {
		slog.Error("engine: failed to persist inbound message", "error", err, "conversationID", conv.ID)
		return
	}
	e.bus.Emit(events.EventNewMessage, msg)
}

// saveMedia writes a media payload under the media directory and returns its
// serving path.
func (e *Engine) saveMedia(data []byte, mimetype string) (string, error) {
	if err := os.MkdirAll(e.mediaDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	name := uuid.NewString() + extensionForMimetype(mimetype)
	if err := os.WriteFile(filepath.Join(e.mediaDir, name), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return "/media/" + name, nil
}

func extensionForMimetype(mimetype string) string {
	if idx := strings.IndexByte(mimetype, ';'); idx >= 0 {
		mimetype = mimetype[:idx]
	}
	if idx := strings.IndexByte(mimetype, '/'); idx >= 0 && idx+1 < len(mimetype) {
		return "." + mimetype[idx+1:]
	}
	return ".bin"
}

// forwardToRelayingAgent relays a customer message to the assigned agent's
// WhatsApp when that agent is in relay mode with this customer.
func (e *Engine) forwardToRelayingAgent(ctx context.Context, conv *models.Conversation, m models.InboundMessage) {
	agent, err := e.store.GetUser(*conv.AssignedAgentID)
	if err != nil || agent.Address == "" {
		return
	}
	target, ok := e.relay.Get(agent.Address)
	if !ok || target != conv.Address {
		return
	}
	forwarded := fmt.Sprintf("[%s] %s", conv.DisplayName, m.Body)
	if err := e.msg.SendMessage(ctx, agent.Address, forwarded); err != nil {
		slog.Error("engine: relay forward to agent failed", "error", err, "agentID", agent.ID)
	}
}

// startFlow creates a session at the flow's initial step and advances.
func (e *Engine) startFlow(ctx context.Context, conv *models.Conversation, key string, flow *models.Flow, user *models.User) error {
	sess := &models.Session{
		ConversationKey: key,
		FlowID:          flow.ID,
		CurrentStepID:   *flow.InitialStepID,
		FormData:        make(map[string]string),
		StartedAt:       time.Now(),
	}
	e.sessions.Set(sess)
	slog.Info("engine: flow session started", "flowID", flow.ID, "key", key)
	return e.advance(ctx, conv, sess, flow.InitialStepID, user)
}
