package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lancollab/internal/textops"
)

func dialStream(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream" + query
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestStreamSendsBacklogThenLiveEvents(t *testing.T) {
	h := newHarness(t, true, "")
	id := h.session.Join("a", "").ClientID
	for rev := int64(0); rev < 2; rev++ {
		if _, err := h.session.Edit(id, rev, []textops.Operation{textops.Insert(0, "x")}); err != nil {
			t.Fatalf("edit: %v", err)
		}
	}

	server := httptest.NewServer(h.server.Handler())
	defer server.Close()
	conn := dialStream(t, server, "?since=1")

	if event := readEvent(t, conn); event.Revision != 2 || event.ClientID != id {
		t.Fatalf("unexpected backlog event: %+v", event)
	}

	if _, err := h.session.Edit(id, 2, []textops.Operation{textops.Insert(0, "y")}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	event := readEvent(t, conn)
	if event.Revision != 3 || len(event.Operations) != 1 || event.Operations[0].Text != "y" {
		t.Fatalf("unexpected live event: %+v", event)
	}
}

func TestStreamClosesWhenSessionCloses(t *testing.T) {
	h := newHarness(t, false, "")
	server := httptest.NewServer(h.server.Handler())
	defer server.Close()
	conn := dialStream(t, server, "")

	// Let the handler register its subscription before closing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.session.mu.Lock()
		subscribed := len(h.session.subscribers)
		h.session.mu.Unlock()
		if subscribed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.session.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestStreamRequiresToken(t *testing.T) {
	h := newHarness(t, false, "")
	server := httptest.NewServer(h.server.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", resp)
	}
}
