// Package store provides storage backends for ZapDesk.
//
// It defines the Store interface consumed by the engine and the HTTP API and
// implements it over SQLite, PostgreSQL, and an in-memory map (for tests).
package store

import (
	"errors"
	"strings"

	"github.com/zapdesk/zapdesk/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable persistence surface for flows, conversations,
// messages, and administrative entities. Flow sessions are intentionally not
// part of this interface; they are transient process state.
type Store interface {
	// Flows and steps (read side is consumed by the engine, write side by the API).
	CreateFlow(f *models.Flow) error
	UpdateFlow(f *models.Flow) error
	DeleteFlow(id int64) error
	GetFlow(id int64) (*models.Flow, error)
	GetFlowByTrigger(keyword string, audience models.Audience) (*models.Flow, error)
	ListFlows() ([]models.Flow, error)

	SaveStep(s *models.FlowStep) error
	DeleteStep(id int64) error
	GetStep(id int64) (*models.FlowStep, error)
	ListSteps(flowID int64) ([]models.FlowStep, error)

	// Conversations and messages.
	FindOrCreateConversation(address string) (*models.Conversation, error)
	GetConversation(id int64) (*models.Conversation, error)
	GetConversationByAddress(address string) (*models.Conversation, error)
	UpdateConversation(c *models.Conversation) error
	ListConversations() ([]models.Conversation, error)

	AddMessage(m *models.Message) error
	ListMessages(conversationID int64) ([]models.Message, error)

	// Form submissions.
	AddFormSubmission(fs *models.FormSubmission) error
	ListFormSubmissions(flowID int64) ([]models.FormSubmission, error)

	// Integrations.
	SaveIntegration(i *models.Integration) error
	DeleteIntegration(id int64) error
	ListIntegrations() ([]models.Integration, error)
	GetWebhookIntegration() (*models.Integration, error)

	// External database credentials.
	SaveCredential(c *models.DatabaseCredential) error
	DeleteCredential(id int64) error
	GetCredential(id int64) (*models.DatabaseCredential, error)
	ListCredentials() ([]models.DatabaseCredential, error)

	// Internal users.
	CreateUser(u *models.User) error
	UpdateUser(u *models.User) error
	GetUser(id int64) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	GetUserByAddress(address string) (*models.User, error)
	ListUsers() ([]models.User, error)
	CountAdmins() (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-looking DSNs and "sqlite"
// otherwise (plain file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
