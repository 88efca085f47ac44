// Package models defines the core data structures for ZapDesk.
//
// It includes the flow graph entities (flows, steps, poll options), durable
// conversation records, messages, and the administrative entities consumed by
// the engine and the HTTP API.
package models

import (
	"errors"
	"time"
)

// StepType identifies the behavior of a flow step.
type StepType string

const (
	// StepTypeMessage sends a message body and chains to the next step.
	StepTypeMessage StepType = "MESSAGE"
	// StepTypeQuestionText sends a question and suspends for a free-text reply.
	StepTypeQuestionText StepType = "QUESTION_TEXT"
	// StepTypeQuestionPoll sends a question with an enumerated option menu.
	StepTypeQuestionPoll StepType = "QUESTION_POLL"
	// StepTypeQuestionAIChoice classifies a free-text reply against options
	// that are never rendered to the user.
	StepTypeQuestionAIChoice StepType = "QUESTION_AI_CHOICE"
	// StepTypeFormSubmit persists accumulated form data and terminates.
	StepTypeFormSubmit StepType = "FORM_SUBMIT"
	// StepTypeEndFlow optionally sends a final message and closes the conversation.
	StepTypeEndFlow StepType = "END_FLOW"
	// StepTypeRequestHumanSupport opens the conversation for agent pickup.
	StepTypeRequestHumanSupport StepType = "REQUEST_HUMAN_SUPPORT"

	// Administrative step types, legal only in agent/admin-audience flows.

	// StepTypeListChats sends the requesting agent a summary of open chats.
	StepTypeListChats StepType = "LIST_CHATS"
	// StepTypeAssignChat assigns a chat (id taken from form data) to the agent.
	StepTypeAssignChat StepType = "ASSIGN_CHAT"
	// StepTypeEnterConversationMode puts the agent into free-text relay mode.
	StepTypeEnterConversationMode StepType = "ENTER_CONVERSATION_MODE"
	// StepTypeCloseChat closes a chat (id taken from form data).
	StepTypeCloseChat StepType = "CLOSE_CHAT"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeMessage, StepTypeQuestionText, StepTypeQuestionPoll,
		StepTypeQuestionAIChoice, StepTypeFormSubmit, StepTypeEndFlow,
		StepTypeRequestHumanSupport, StepTypeListChats, StepTypeAssignChat,
		StepTypeEnterConversationMode, StepTypeCloseChat:
		return true
	default:
		return false
	}
}

// IsAdministrativeStepType reports whether the step type is restricted to
// agent/admin-audience flows.
func IsAdministrativeStepType(st StepType) bool {
	switch st {
	case StepTypeListChats, StepTypeAssignChat, StepTypeEnterConversationMode, StepTypeCloseChat:
		return true
	default:
		return false
	}
}

// Audience identifies who a flow is triggered by.
type Audience string

const (
	// AudienceCustomer flows trigger on messages from external contacts.
	AudienceCustomer Audience = "customer"
	// AudienceAgent flows trigger on messages from registered agents.
	AudienceAgent Audience = "agent"
	// AudienceAdmin flows trigger on messages from registered admins.
	AudienceAdmin Audience = "admin"
)

// IsValidAudience checks if the given audience is supported.
func IsValidAudience(a Audience) bool {
	switch a {
	case AudienceCustomer, AudienceAgent, AudienceAdmin:
		return true
	default:
		return false
	}
}

// WildcardKeyword is the catch-all trigger keyword. At most one wildcard flow
// may exist per audience.
const WildcardKeyword = "*"

// DefaultFormFieldKey is the form data key used for answers on steps that do
// not declare a FormFieldKey of their own.
const DefaultFormFieldKey = "userinput"

// Validation errors shared between the API layer and the engine.
var (
	ErrEmptyFlowName        = errors.New("flow name cannot be empty")
	ErrEmptyTriggerKeyword  = errors.New("trigger keyword cannot be empty")
	ErrInvalidAudience      = errors.New("invalid target audience")
	ErrDuplicateWildcard    = errors.New("a wildcard flow already exists for this audience")
	ErrDuplicateTrigger     = errors.New("trigger keyword already in use for this audience")
	ErrInvalidStepType      = errors.New("invalid step type")
	ErrAdminStepInFlow      = errors.New("administrative step type requires an agent or admin audience flow")
	ErrMissingMessageBody   = errors.New("message body is required for this step type")
	ErrMissingPollOptions   = errors.New("poll options are required for this step type")
	ErrUnknownNextStep      = errors.New("next step references a step outside this flow")
	ErrEmptyConversationKey = errors.New("conversation address cannot be empty")
)

// Flow is an admin-authored, trigger-activated directed graph of steps.
type Flow struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	TriggerKeyword string    `json:"trigger_keyword"`
	InitialStepID  *int64    `json:"initial_step_id"`
	TargetAudience Audience  `json:"target_audience"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the flow's authoring-time invariants that do not require
// store access (uniqueness checks live at the store boundary).
func (f *Flow) Validate() error {
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	if f.TriggerKeyword == "" {
		return ErrEmptyTriggerKeyword
	}
	if f.TargetAudience == "" {
		f.TargetAudience = AudienceCustomer
	}
	if !IsValidAudience(f.TargetAudience) {
		return ErrInvalidAudience
	}
	return nil
}

// ExternalQueryConfig describes the admin-configured database read attached to
// a QUESTION_TEXT step. SQL uses :name placeholders; :userInput (also accepted
// as :userinput and :user_input) binds the triggering reply.
type ExternalQueryConfig struct {
	CredentialID  int64                  `json:"credential_id"`
	DBName        string                 `json:"db_name,omitempty"`
	Query         string                 `json:"query"`
	ResultMapping map[string]string      `json:"result_mapping,omitempty"` // result column -> form data key
	Transforms    map[string][]Transform `json:"transforms,omitempty"`     // form data key -> ordered transforms
}

// ExternalWriteConfig describes the admin-configured database insert attached
// to a FORM_SUBMIT step.
type ExternalWriteConfig struct {
	CredentialID  int64             `json:"credential_id"`
	DBName        string            `json:"db_name,omitempty"`
	Table         string            `json:"table"`
	ColumnMapping map[string]string `json:"column_mapping"` // table column -> form data key
	ExtraSQL      string            `json:"extra_sql,omitempty"`
}

// FlowStep is one node in a flow graph. Edge fields are nullable; a nil edge
// means "terminate flow". Which edges are legal depends on StepType and is
// enforced by Validate.
type FlowStep struct {
	ID           int64    `json:"id"`
	FlowID       int64    `json:"flow_id"`
	StepType     StepType `json:"step_type"`
	MessageBody  string   `json:"message_body,omitempty"`
	FormFieldKey string   `json:"form_field_key,omitempty"`

	NextStepID       *int64 `json:"next_step_id"`
	NextStepIDOnFail *int64 `json:"next_step_id_on_fail"`

	PollOptions []PollOption `json:"poll_options,omitempty"`

	Query *ExternalQueryConfig `json:"query,omitempty"`
	Write *ExternalWriteConfig `json:"write,omitempty"`

	// Editor canvas position for the admin UI.
	PositionX float64 `json:"position_x,omitempty"`
	PositionY float64 `json:"position_y,omitempty"`
}

// Validate checks per-type step invariants.
func (s *FlowStep) Validate(audience Audience) error {
	if !IsValidStepType(s.StepType) {
		return ErrInvalidStepType
	}
	if IsAdministrativeStepType(s.StepType) && audience == AudienceCustomer {
		return ErrAdminStepInFlow
	}
	switch s.StepType {
	case StepTypeMessage, StepTypeQuestionText:
		if s.MessageBody == "" {
			return ErrMissingMessageBody
		}
	case StepTypeQuestionPoll, StepTypeQuestionAIChoice:
		if s.MessageBody == "" {
			return ErrMissingMessageBody
		}
		if len(s.PollOptions) == 0 {
			return ErrMissingPollOptions
		}
	}
	return nil
}

// PollOption is a selectable branch of a QUESTION_POLL or QUESTION_AI_CHOICE
// step. Matching is by case-insensitive trigger keyword first, then exact
// option text.
type PollOption struct {
	ID                 int64  `json:"id"`
	StepID             int64  `json:"step_id"`
	OptionText         string `json:"option_text"`
	TriggerKeyword     string `json:"trigger_keyword,omitempty"`
	NextStepIDOnSelect *int64 `json:"next_step_id_on_select"`
}

// ConversationStatus tracks who owns a conversation.
type ConversationStatus string

const (
	// ConversationStatusBot means the flow engine may act without an agent.
	ConversationStatusBot ConversationStatus = "autoatendimento"
	// ConversationStatusOpen means the conversation awaits or has a human agent.
	ConversationStatusOpen ConversationStatus = "open"
	// ConversationStatusClosed means no active handling.
	ConversationStatusClosed ConversationStatus = "closed"
)

// Conversation is the durable record of an end-user contact thread.
// Invariant: AssignedAgentID != nil implies Status == open.
type Conversation struct {
	ID              int64              `json:"id"`
	Address         string             `json:"address"`
	DisplayName     string             `json:"display_name,omitempty"`
	ProfilePicURL   string             `json:"profile_pic_url,omitempty"`
	Status          ConversationStatus `json:"status"`
	AssignedAgentID *int64             `json:"assigned_agent_id"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// IsAgentAssigned reports whether a human agent currently owns the conversation.
func (c *Conversation) IsAgentAssigned() bool {
	return c.AssignedAgentID != nil
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Message is one entry in a conversation's append-only log. Ordering key is
// Timestamp ascending, ties broken by insertion order.
type Message struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	Body           string        `json:"body"`
	Timestamp      int64         `json:"timestamp"` // epoch seconds
	FromMe         bool          `json:"from_me"`
	Status         MessageStatus `json:"status,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	MediaType      string        `json:"media_type,omitempty"`
}

// Role identifies an internal user's privileges.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// User is an internal operator (agent or admin). Address, when set, is the
// user's own WhatsApp number and links inbound messages from it to the
// agent/admin audience.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Address      string    `json:"address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FormSubmission is the durable record of a completed FORM_SUBMIT step.
type FormSubmission struct {
	ID          int64             `json:"id"`
	FlowID      int64             `json:"flow_id"`
	Address     string            `json:"address"`
	Data        map[string]string `json:"data"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// IntegrationTypeWebhook marks integrations the engine POSTs form data to.
const IntegrationTypeWebhook = "WEBHOOK"

// Integration is an admin-configured outbound integration.
type Integration struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	TargetURL string `json:"target_url"`
}

// DatabaseCredential describes an external database reachable by flow steps.
// Pass is write-only through the API.
type DatabaseCredential struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Dialect string `json:"dialect"` // mysql or postgres
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	Pass    string `json:"-"`
	DBName  string `json:"db_name"`
}

// Session is the transient per-conversation execution state while a flow is
// in progress. It lives only in the session store, never in the database.
type Session struct {
	ConversationKey string            `json:"conversation_key"`
	FlowID          int64             `json:"flow_id"`
	CurrentStepID   int64             `json:"current_step_id"`
	FormData        map[string]string `json:"form_data"`
	StartedAt       time.Time         `json:"started_at"`
}

// InboundMessage is a normalized incoming transport message.
type InboundMessage struct {
	From       string `json:"from"`
	PushName   string `json:"push_name,omitempty"` // sender's self-chosen display name
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"` // epoch seconds
	IsFromSelf bool   `json:"is_from_self"`
	HasMedia   bool   `json:"has_media"`
	MediaType  string `json:"media_type,omitempty"`

	// Download fetches the media payload when HasMedia is set. Nil otherwise.
	Download func() ([]byte, string, error) `json:"-"`
}

// ConnectionEvent reports transport connectivity changes to connected UIs.
type ConnectionEvent struct {
	Status string `json:"status"` // connected, disconnected, waiting_qr
	QRCode string `json:"qr_code,omitempty"`
	Time   int64  `json:"time"`
}
