package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func waitForClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d; want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandlerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types="+TypeScreenshotSaved, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type = %q; want text/event-stream", got)
	}

	waitForClients(t, b, 1)
	b.Publish(Event{Type: TypePeerPolled})
	b.Publish(Event{Type: TypeScreenshotSaved, Data: map[string]string{"id": "s1"}})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if got, want := strings.TrimSpace(line), "event: "+TypeScreenshotSaved; got != want {
		t.Fatalf("first line = %q; want %q", got, want)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if !strings.Contains(data, `"id":"s1"`) {
		t.Fatalf("data line = %q; want screenshot id", data)
	}
}

func TestWebSocketHandlerStreamsEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(WebSocketHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("ws.Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	waitForClients(t, b, 1)
	b.Publish(Event{Type: TypeRequestCaptured, Data: "r7"})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() error = %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got, want := evt.Type, TypeRequestCaptured; got != want {
		t.Fatalf("evt.Type = %q; want %q", got, want)
	}
}
