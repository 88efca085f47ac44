package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
)

func TestNotifyDeliversSubmission(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier()
	submission := &models.FormSubmission{
		FlowID:      3,
		Address:     "5511999990000",
		Data:        map[string]string{"nome": "Maria"},
		SubmittedAt: time.Now(),
	}
	integration := &models.Integration{Type: models.IntegrationTypeWebhook, TargetURL: srv.URL}

	if err := n.Notify(context.Background(), integration, submission); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if received.FlowID != 3 || received.Data["nome"] != "Maria" {
		t.Errorf("received payload = %+v", received)
	}
}

func TestNotifyReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier()
	err := n.Notify(context.Background(), &models.Integration{TargetURL: srv.URL}, &models.FormSubmission{})
	if err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestNotifyReportsConnectionError(t *testing.T) {
	n := NewNotifier()
	err := n.Notify(context.Background(), &models.Integration{TargetURL: "http://127.0.0.1:1/nope"}, &models.FormSubmission{})
	if err == nil {
		t.Error("expected error for unreachable endpoint")
	}
}
