// Package webhook forwards completed form submissions to admin-configured
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
)

// DefaultTimeout bounds each delivery attempt.
const DefaultTimeout = 10 * time.Second

// Notifier delivers form submissions to an external endpoint. Delivery is
// best-effort: failures are logged and never propagate into flow execution.
type Notifier struct {
	client *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// payload is the wire format POSTed to the target URL.
type payload struct {
	FlowID      int64             `json:"flow_id"`
	Address     string            `json:"address"`
	Data        map[string]string `json:"data"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Notify POSTs the submission to the integration's target URL. The returned
// error is informational; callers log it and move on.
func (n *Notifier) Notify(ctx context.Context, integration *models.Integration, submission *models.FormSubmission) error {
	body, err := json.Marshal(payload{
		FlowID:      submission.FlowID,
		Address:     submission.Address,
		Data:        submission.Data,
		SubmittedAt: submission.SubmittedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, integration.TargetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Error("webhook: delivery failed", "error", err, "url", integration.TargetURL)
		return fmt.Errorf("webhook delivery to %s failed: %w", integration.TargetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("webhook: endpoint returned non-2xx status", "status", resp.StatusCode, "url", integration.TargetURL)
		return fmt.Errorf("webhook endpoint %s returned status %d", integration.TargetURL, resp.StatusCode)
	}

	slog.Debug("webhook: submission delivered", "url", integration.TargetURL, "flowID", submission.FlowID)
	return nil
}
