package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql. SQLiteStore and PostgresStore
// embed it; the only differences between the backends are placeholder syntax
// and how insert ids are returned.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect == dialectPostgres {
		return rebindPostgres(query)
	}
	return query
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

// insertID runs an INSERT and returns the generated id.
func (s *sqlStore) insertID(query string, args ...interface{}) (int64, error) {
	if s.dialect == dialectPostgres {
		var id int64
		err := s.db.QueryRow(rebindPostgres(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const flowColumns = "id, name, trigger_keyword, initial_step_id, target_audience, created_at, updated_at"

func (s *sqlStore) CreateFlow(f *models.Flow) error {
	if err := s.checkFlowTrigger(f.TriggerKeyword, f.TargetAudience, 0); err != nil {
		return err
	}
	now := time.Now()
	id, err := s.insertID(
		`INSERT INTO flows (name, trigger_keyword, initial_step_id, target_audience, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.Name, f.TriggerKeyword, nilIfZero(f.InitialStepID), f.TargetAudience, now, now)
	if err != nil {
		slog.Error("store: CreateFlow failed", "error", err, "name", f.Name)
		return fmt.Errorf("failed to insert flow %q: %w", f.Name, err)
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

func (s *sqlStore) UpdateFlow(f *models.Flow) error {
	if err := s.checkFlowTrigger(f.TriggerKeyword, f.TargetAudience, f.ID); err != nil {
		return err
	}
	now := time.Now()
	res, err := s.exec(
		`UPDATE flows SET name = ?, trigger_keyword = ?, initial_step_id = ?, target_audience = ?, updated_at = ? WHERE id = ?`,
		f.Name, f.TriggerKeyword, nilIfZero(f.InitialStepID), f.TargetAudience, now, f.ID)
	if err != nil {
		slog.Error("store: UpdateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to update flow %d: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	f.UpdatedAt = now
	return nil
}

// checkFlowTrigger enforces trigger uniqueness per audience, including the
// single-wildcard invariant, before writes reach the unique index.
func (s *sqlStore) checkFlowTrigger(keyword string, audience models.Audience, excludeID int64) error {
	var count int
	err := s.queryRow(
		`SELECT COUNT(*) FROM flows WHERE LOWER(trigger_keyword) = LOWER(?) AND target_audience = ? AND id != ?`,
		keyword, audience, excludeID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check trigger keyword: %w", err)
	}
	if count > 0 {
		if keyword == models.WildcardKeyword {
			return models.ErrDuplicateWildcard
		}
		return models.ErrDuplicateTrigger
	}
	return nil
}

func (s *sqlStore) DeleteFlow(id int64) error {
	res, err := s.exec(`DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		slog.Error("store: DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetFlow(id int64) (*models.Flow, error) {
	f, err := scanFlow(s.queryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %d: %w", id, err)
	}
	return f, nil
}

func (s *sqlStore) GetFlowByTrigger(keyword string, audience models.Audience) (*models.Flow, error) {
	f, err := scanFlow(s.queryRow(
		`SELECT `+flowColumns+` FROM flows WHERE LOWER(trigger_keyword) = LOWER(?) AND target_audience = ?`,
		keyword, audience))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up trigger %q: %w", keyword, err)
	}
	return f, nil
}

func (s *sqlStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.query(`SELECT ` + flowColumns + ` FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

const stepColumns = "id, flow_id, step_type, message_body, form_field_key, next_step_id, next_step_id_on_fail, query_config, write_config, position_x, position_y"

func (s *sqlStore) SaveStep(step *models.FlowStep) error {
	var queryConfig, writeConfig interface{}
	var err error
	if step.Query != nil {
		if queryConfig, err = marshalJSON(step.Query); err != nil {
			return err
		}
	}
	if step.Write != nil {
		if writeConfig, err = marshalJSON(step.Write); err != nil {
			return err
		}
	}

	if step.ID == 0 {
		id, err := s.insertID(
			`INSERT INTO flow_steps (flow_id, step_type, message_body, form_field_key, next_step_id, next_step_id_on_fail, query_config, write_config, position_x, position_y) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.FlowID, step.StepType, nilIfEmpty(step.MessageBody), nilIfEmpty(step.FormFieldKey),
			nilIfZero(step.NextStepID), nilIfZero(step.NextStepIDOnFail), queryConfig, writeConfig,
			step.PositionX, step.PositionY)
		if err != nil {
			slog.Error("store: SaveStep insert failed", "error", err, "flowID", step.FlowID)
			return fmt.Errorf("failed to insert step: %w", err)
		}
		step.ID = id
	} else {
		_, err := s.exec(
			`UPDATE flow_steps SET flow_id = ?, step_type = ?, message_body = ?, form_field_key = ?, next_step_id = ?, next_step_id_on_fail = ?, query_config = ?, write_config = ?, position_x = ?, position_y = ? WHERE id = ?`,
			step.FlowID, step.StepType, nilIfEmpty(step.MessageBody), nilIfEmpty(step.FormFieldKey),
			nilIfZero(step.NextStepID), nilIfZero(step.NextStepIDOnFail), queryConfig, writeConfig,
			step.PositionX, step.PositionY, step.ID)
		if err != nil {
			slog.Error("store: SaveStep update failed", "error", err, "stepID", step.ID)
			return fmt.Errorf("failed to update step %d: %w", step.ID, err)
		}
	}

	// Poll options are replaced wholesale on every save.
	if _, err := s.exec(`DELETE FROM poll_options WHERE step_id = ?`, step.ID); err != nil {
		return fmt.Errorf("failed to clear poll options for step %d: %w", step.ID, err)
	}
	for i := range step.PollOptions {
		opt := &step.PollOptions[i]
		opt.StepID = step.ID
		id, err := s.insertID(
			`INSERT INTO poll_options (step_id, option_text, trigger_keyword, next_step_id_on_select) VALUES (?, ?, ?, ?)`,
			opt.StepID, opt.OptionText, nilIfEmpty(opt.TriggerKeyword), nilIfZero(opt.NextStepIDOnSelect))
		if err != nil {
			return fmt.Errorf("failed to insert poll option for step %d: %w", step.ID, err)
		}
		opt.ID = id
	}
	return nil
}

func (s *sqlStore) DeleteStep(id int64) error {
	res, err := s.exec(`DELETE FROM flow_steps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete step %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetStep(id int64) (*models.FlowStep, error) {
	step, err := scanStep(s.queryRow(`SELECT `+stepColumns+` FROM flow_steps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %d: %w", id, err)
	}
	if err := s.loadPollOptions(step); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *sqlStore) ListSteps(flowID int64) ([]models.FlowStep, error) {
	rows, err := s.query(`SELECT `+stepColumns+` FROM flow_steps WHERE flow_id = ? ORDER BY id`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for flow %d: %w", flowID, err)
	}
	defer rows.Close()
	var steps []models.FlowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range steps {
		if err := s.loadPollOptions(&steps[i]); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func (s *sqlStore) loadPollOptions(step *models.FlowStep) error {
	rows, err := s.query(
		`SELECT id, step_id, option_text, trigger_keyword, next_step_id_on_select FROM poll_options WHERE step_id = ? ORDER BY id`,
		step.ID)
	if err != nil {
		return fmt.Errorf("failed to query poll options for step %d: %w", step.ID, err)
	}
	defer rows.Close()
	step.PollOptions = nil
	for rows.Next() {
		var opt models.PollOption
		var trigger sql.NullString
		var next sql.NullInt64
		if err := rows.Scan(&opt.ID, &opt.StepID, &opt.OptionText, &trigger, &next); err != nil {
			return fmt.Errorf("failed to scan poll option row: %w", err)
		}
		opt.TriggerKeyword = trigger.String
		if next.Valid {
			opt.NextStepIDOnSelect = &next.Int64
		}
		step.PollOptions = append(step.PollOptions, opt)
	}
	return rows.Err()
}

const conversationColumns = "id, address, display_name, profile_pic_url, status, assigned_agent_id, created_at, updated_at"

func (s *sqlStore) FindOrCreateConversation(address string) (*models.Conversation, error) {
	if address == "" {
		return nil, models.ErrEmptyConversationKey
	}
	c, err := s.GetConversationByAddress(address)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now()
	id, err := s.insertID(
		`INSERT INTO conversations (address, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		address, models.ConversationStatusBot, now, now)
	if err != nil {
		// Lost a race against another insert for the same address.
		if c, lookupErr := s.GetConversationByAddress(address); lookupErr == nil {
			return c, nil
		}
		slog.Error("store: FindOrCreateConversation insert failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to create conversation for %s: %w", address, err)
	}
	return &models.Conversation{
		ID:        id,
		Address:   address,
		Status:    models.ConversationStatusBot,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *sqlStore) GetConversation(id int64) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) GetConversationByAddress(address string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(`SELECT `+conversationColumns+` FROM conversations WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation for %s: %w", address, err)
	}
	return c, nil
}

func (s *sqlStore) UpdateConversation(c *models.Conversation) error {
	now := time.Now()
	res, err := s.exec(
		`UPDATE conversations SET display_name = ?, profile_pic_url = ?, status = ?, assigned_agent_id = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(c.DisplayName), nilIfEmpty(c.ProfilePicURL), c.Status, nilIfZero(c.AssignedAgentID), now, c.ID)
	if err != nil {
		slog.Error("store: UpdateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to update conversation %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

func (s *sqlStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

const messageColumns = "id, conversation_id, body, timestamp, from_me, status, media_url, media_type"

func (s *sqlStore) AddMessage(m *models.Message) error {
	id, err := s.insertID(
		`INSERT INTO messages (conversation_id, body, timestamp, from_me, status, media_url, media_type) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, nilIfEmpty(m.Body), m.Timestamp, m.FromMe,
		nilIfEmpty(string(m.Status)), nilIfEmpty(m.MediaURL), nilIfEmpty(m.MediaType))
	if err != nil {
		slog.Error("store: AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert message for conversation %d: %w", m.ConversationID, err)
	}
	m.ID = id
	return nil
}

func (s *sqlStore) ListMessages(conversationID int64) ([]models.Message, error) {
	rows, err := s.query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY timestamp, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for conversation %d: %w", conversationID, err)
	}
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *sqlStore) AddFormSubmission(fs *models.FormSubmission) error {
	data, err := marshalJSON(fs.Data)
	if err != nil {
		return err
	}
	if fs.SubmittedAt.IsZero() {
		fs.SubmittedAt = time.Now()
	}
	id, err := s.insertID(
		`INSERT INTO form_submissions (flow_id, address, data, submitted_at) VALUES (?, ?, ?, ?)`,
		fs.FlowID, fs.Address, data, fs.SubmittedAt)
	if err != nil {
		slog.Error("store: AddFormSubmission failed", "error", err, "flowID", fs.FlowID)
		return fmt.Errorf("failed to insert form submission: %w", err)
	}
	fs.ID = id
	return nil
}

func (s *sqlStore) ListFormSubmissions(flowID int64) ([]models.FormSubmission, error) {
	query := `SELECT id, flow_id, address, data, submitted_at FROM form_submissions`
	var args []interface{}
	if flowID != 0 {
		query += ` WHERE flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY id`
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query form submissions: %w", err)
	}
	defer rows.Close()
	var submissions []models.FormSubmission
	for rows.Next() {
		var fs models.FormSubmission
		var data sql.NullString
		if err := rows.Scan(&fs.ID, &fs.FlowID, &fs.Address, &data, &fs.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan form submission row: %w", err)
		}
		if data.Valid && data.String != "" {
			fs.Data = make(map[string]string)
			if err := json.Unmarshal([]byte(data.String), &fs.Data); err != nil {
				slog.Error("store: form submission data unmarshal failed", "error", err, "id", fs.ID)
			}
		}
		submissions = append(submissions, fs)
	}
	return submissions, rows.Err()
}

func (s *sqlStore) SaveIntegration(i *models.Integration) error {
	if i.ID == 0 {
		id, err := s.insertID(
			`INSERT INTO integrations (name, type, target_url) VALUES (?, ?, ?)`,
			i.Name, i.Type, i.TargetURL)
		if err != nil {
			return fmt.Errorf("failed to insert integration: %w", err)
		}
		i.ID = id
		return nil
	}
	_, err := s.exec(
		`UPDATE integrations SET name = ?, type = ?, target_url = ? WHERE id = ?`,
		i.Name, i.Type, i.TargetURL, i.ID)
	if err != nil {
		return fmt.Errorf("failed to update integration %d: %w", i.ID, err)
	}
	return nil
}

func (s *sqlStore) DeleteIntegration(id int64) error {
	res, err := s.exec(`DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListIntegrations() ([]models.Integration, error) {
	rows, err := s.query(`SELECT id, name, type, target_url FROM integrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()
	var integrations []models.Integration
	for rows.Next() {
		var i models.Integration
		if err := rows.Scan(&i.ID, &i.Name, &i.Type, &i.TargetURL); err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}
		integrations = append(integrations, i)
	}
	return integrations, rows.Err()
}

func (s *sqlStore) GetWebhookIntegration() (*models.Integration, error) {
	var i models.Integration
	err := s.queryRow(
		`SELECT id, name, type, target_url FROM integrations WHERE type = ? ORDER BY id LIMIT 1`,
		models.IntegrationTypeWebhook).Scan(&i.ID, &i.Name, &i.Type, &i.TargetURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook integration: %w", err)
	}
	return &i, nil
}

const credentialColumns = "id, name, dialect, host, port, user_name, pass, db_name"

func (s *sqlStore) SaveCredential(c *models.DatabaseCredential) error {
	if c.ID == 0 {
		id, err := s.insertID(
			`INSERT INTO database_credentials (name, dialect, host, port, user_name, pass, db_name) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Name, c.Dialect, c.Host, c.Port, c.User, c.Pass, c.DBName)
		if err != nil {
			return fmt.Errorf("failed to insert credential: %w", err)
		}
		c.ID = id
		return nil
	}
	_, err := s.exec(
		`UPDATE database_credentials SET name = ?, dialect = ?, host = ?, port = ?, user_name = ?, pass = ?, db_name = ? WHERE id = ?`,
		c.Name, c.Dialect, c.Host, c.Port, c.User, c.Pass, c.DBName, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update credential %d: %w", c.ID, err)
	}
	return nil
}

func (s *sqlStore) DeleteCredential(id int64) error {
	res, err := s.exec(`DELETE FROM database_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetCredential(id int64) (*models.DatabaseCredential, error) {
	var c models.DatabaseCredential
	err := s.queryRow(`SELECT `+credentialColumns+` FROM database_credentials WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Dialect, &c.Host, &c.Port, &c.User, &c.Pass, &c.DBName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential %d: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) ListCredentials() ([]models.DatabaseCredential, error) {
	rows, err := s.query(`SELECT ` + credentialColumns + ` FROM database_credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()
	var credentials []models.DatabaseCredential
	for rows.Next() {
		var c models.DatabaseCredential
		if err := rows.Scan(&c.ID, &c.Name, &c.Dialect, &c.Host, &c.Port, &c.User, &c.Pass, &c.DBName); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		credentials = append(credentials, c)
	}
	return credentials, rows.Err()
}

const userColumns = "id, name, email, password_hash, role, address, created_at"

func (s *sqlStore) CreateUser(u *models.User) error {
	now := time.Now()
	id, err := s.insertID(
		`INSERT INTO users (name, email, password_hash, role, address, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.Name, u.Email, u.PasswordHash, u.Role, nilIfEmpty(u.Address), now)
	if err != nil {
		slog.Error("store: CreateUser failed", "error", err, "email", u.Email)
		return fmt.Errorf("failed to insert user %s: %w", u.Email, err)
	}
	u.ID = id
	u.CreatedAt = now
	return nil
}

func (s *sqlStore) UpdateUser(u *models.User) error {
	res, err := s.exec(
		`UPDATE users SET name = ?, email = ?, password_hash = ?, role = ?, address = ? WHERE id = ?`,
		u.Name, u.Email, u.PasswordHash, u.Role, nilIfEmpty(u.Address), u.ID)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetUser(id int64) (*models.User, error) {
	u, err := scanUser(s.queryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByEmail(email string) (*models.User, error) {
	u, err := scanUser(s.queryRow(`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER(?)`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByAddress(address string) (*models.User, error) {
	if address == "" {
		return nil, ErrNotFound
	}
	u, err := scanUser(s.queryRow(`SELECT `+userColumns+` FROM users WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by address: %w", err)
	}
	return u, nil
}

func (s *sqlStore) ListUsers() ([]models.User, error) {
	rows, err := s.query(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *sqlStore) CountAdmins() (int, error) {
	var count int
	err := s.queryRow(`SELECT COUNT(*) FROM users WHERE role = ?`, models.RoleAdmin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

func (s *sqlStore) Close() error {
	slog.Debug("store: closing database connection")
	return s.db.Close()
}
