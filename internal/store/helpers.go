package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zapdesk/zapdesk/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for a nil *int64, otherwise the value.
func nilIfZero(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// rebindPostgres rewrites ? placeholders into $1..$n for lib/pq.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// marshalJSON encodes v to a nullable TEXT column value. Nil input maps to NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func scanFlow(scanner interface{ Scan(...interface{}) error }) (*models.Flow, error) {
	var f models.Flow
	var initialStepID sql.NullInt64
	err := scanner.Scan(&f.ID, &f.Name, &f.TriggerKeyword, &initialStepID,
		&f.TargetAudience, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if initialStepID.Valid {
		f.InitialStepID = &initialStepID.Int64
	}
	return &f, nil
}

func scanStep(scanner interface{ Scan(...interface{}) error }) (*models.FlowStep, error) {
	var step models.FlowStep
	var messageBody, formFieldKey, queryConfig, writeConfig sql.NullString
	var nextStepID, nextStepIDOnFail sql.NullInt64
	var posX, posY sql.NullFloat64
	err := scanner.Scan(&step.ID, &step.FlowID, &step.StepType, &messageBody,
		&formFieldKey, &nextStepID, &nextStepIDOnFail, &queryConfig, &writeConfig, &posX, &posY)
	if err != nil {
		return nil, err
	}
	step.MessageBody = messageBody.String
	step.FormFieldKey = formFieldKey.String
	if nextStepID.Valid {
		step.NextStepID = &nextStepID.Int64
	}
	if nextStepIDOnFail.Valid {
		step.NextStepIDOnFail = &nextStepIDOnFail.Int64
	}
	step.PositionX = posX.Float64
	step.PositionY = posY.Float64
	if queryConfig.Valid && queryConfig.String != "" {
		var cfg models.ExternalQueryConfig
		if err := json.Unmarshal([]byte(queryConfig.String), &cfg); err != nil {
			slog.Error("store: step query config unmarshal failed", "error", err, "stepID", step.ID)
		} else {
			step.Query = &cfg
		}
	}
	if writeConfig.Valid && writeConfig.String != "" {
		var cfg models.ExternalWriteConfig
		if err := json.Unmarshal([]byte(writeConfig.String), &cfg); err != nil {
			slog.Error("store: step write config unmarshal failed", "error", err, "stepID", step.ID)
		} else {
			step.Write = &cfg
		}
	}
	return &step, nil
}

func scanConversation(scanner interface{ Scan(...interface{}) error }) (*models.Conversation, error) {
	var c models.Conversation
	var displayName, profilePicURL sql.NullString
	var assignedAgentID sql.NullInt64
	err := scanner.Scan(&c.ID, &c.Address, &displayName, &profilePicURL,
		&c.Status, &assignedAgentID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.DisplayName = displayName.String
	c.ProfilePicURL = profilePicURL.String
	if assignedAgentID.Valid {
		c.AssignedAgentID = &assignedAgentID.Int64
	}
	return &c, nil
}

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var body, status, mediaURL, mediaType sql.NullString
	err := scanner.Scan(&m.ID, &m.ConversationID, &body, &m.Timestamp,
		&m.FromMe, &status, &mediaURL, &mediaType)
	if err != nil {
		return nil, err
	}
	m.Body = body.String
	m.Status = models.MessageStatus(status.String)
	m.MediaURL = mediaURL.String
	m.MediaType = mediaType.String
	return &m, nil
}

func scanUser(scanner interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	var address sql.NullString
	err := scanner.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &address, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Address = address.String
	return &u, nil
}
