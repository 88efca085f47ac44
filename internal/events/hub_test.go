package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub, userID int64) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWS(w, r, userID)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return ws, func() {
		ws.Close()
		srv.Close()
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return env
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()

	ws, cleanup := dialHub(t, h, 1)
	defer cleanup()

	// Registration happens during the upgrade handshake, before Dial returns.
	h.Emit(EventConversationUpdated, map[string]interface{}{"id": 7})

	env := readEnvelope(t, ws)
	if env.Event != EventConversationUpdated {
		t.Errorf("event = %q, want %q", env.Event, EventConversationUpdated)
	}
}

func TestHubEmitToTargetsSingleUser(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()

	wsAgent, cleanupAgent := dialHub(t, h, 42)
	defer cleanupAgent()
	wsOther, cleanupOther := dialHub(t, h, 99)
	defer cleanupOther()

	h.EmitTo(42, EventTransferNotification, map[string]interface{}{"conversation_id": 3})

	env := readEnvelope(t, wsAgent)
	if env.Event != EventTransferNotification {
		t.Errorf("event = %q, want %q", env.Event, EventTransferNotification)
	}

	// The other user must not receive the targeted event.
	wsOther.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := wsOther.ReadMessage(); err == nil {
		t.Error("untargeted user received a targeted event")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Emit(EventNewMessage, "a")
	r.EmitTo(5, EventTransferNotification, "b")

	if got := len(r.Events()); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	targeted := r.ByName(EventTransferNotification)
	if len(targeted) != 1 || targeted[0].UserID != 5 {
		t.Errorf("targeted events = %+v", targeted)
	}
}
