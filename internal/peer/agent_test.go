package peer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/dgnsrekt/exposnap/internal/poller"
	"github.com/dgnsrekt/exposnap/internal/session"
	"github.com/dgnsrekt/exposnap/internal/wire"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

type captureFunc func(ctx context.Context) ([]byte, error)

func (f captureFunc) Capture(ctx context.Context) ([]byte, error) { return f(ctx) }

// fakeServer serves one pending request until it is completed.
type fakeServer struct {
	mu        sync.Mutex
	pendingID string
	completed []string
	uploads   []string
	failing   atomic.Bool
	done      chan struct{}
}

func newFakeServer(pendingID string) *fakeServer {
	return &fakeServer{pendingID: pendingID, done: make(chan struct{})}
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc(wire.PathPing, func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, wire.PingResponse{Service: wire.ServiceName, Status: wire.StatusReady, Port: 3333})
	})
	mux.HandleFunc(wire.PathPending, func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		s.mu.Lock()
		id := s.pendingID
		s.mu.Unlock()
		writeJSON(w, wire.PendingResponse{Requested: id != "", ID: id})
	})
	mux.HandleFunc(wire.PathUpload, func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile(wire.FieldScreenshot)
		if err != nil {
			http.Error(w, "no image", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		s.mu.Lock()
		s.uploads = append(s.uploads, r.FormValue(wire.FieldRequestID)+":"+string(body))
		s.mu.Unlock()
		writeJSON(w, wire.UploadResponse{Success: true, ID: "shot-1"})
	})
	mux.HandleFunc(wire.PathCompleted, func(w http.ResponseWriter, r *http.Request) {
		var req wire.CompletedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.completed = append(s.completed, req.RequestID)
		if s.pendingID == req.RequestID {
			s.pendingID = ""
			close(s.done)
		}
		s.mu.Unlock()
		writeJSON(w, wire.SuccessResponse{Success: true})
	})
	return mux
}

func fastConfig() Config {
	pc := poller.DefaultConfig(20 * time.Millisecond)
	pc.Fast = 20 * time.Millisecond
	pc.Max = 50 * time.Millisecond
	return Config{Poller: pc, Rediscover: 50 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgentUploadsPendingRequest(t *testing.T) {
	fs := newFakeServer("req_1")
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	machine := session.New(srv.URL, nil, session.PingProber{HTTP: srv.Client()})
	capturer := captureFunc(func(context.Context) ([]byte, error) { return pngBytes, nil })
	a := New(fastConfig(), machine, capturer, srv.Client(), clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	select {
	case <-fs.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("request was never completed; status = %+v", a.Status())
	}

	fs.mu.Lock()
	uploads := append([]string(nil), fs.uploads...)
	fs.mu.Unlock()
	if len(uploads) != 1 || uploads[0] != "req_1:"+string(pngBytes) {
		t.Fatalf("uploads = %q; want one upload for req_1", uploads)
	}
	waitFor(t, "handled counter", func() bool { return a.Status().Poller.Handled == 1 })
	if got := a.Status().Uploads; got != 1 {
		t.Fatalf("Status().Uploads = %d; want 1", got)
	}
}

func TestAgentSkipsCompletionWhenCaptureFails(t *testing.T) {
	fs := newFakeServer("req_1")
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	var attempts atomic.Int32
	machine := session.New(srv.URL, nil, session.PingProber{HTTP: srv.Client()})
	capturer := captureFunc(func(context.Context) ([]byte, error) {
		attempts.Add(1)
		return nil, apperr.NotFound("no tab")
	})
	a := New(fastConfig(), machine, capturer, srv.Client(), clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "capture attempts", func() bool { return attempts.Load() >= 2 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.completed) != 0 || len(fs.uploads) != 0 {
		t.Fatalf("completed = %q uploads = %q; want none", fs.completed, fs.uploads)
	}
}

func TestAgentReprobesAfterRepeatedFailures(t *testing.T) {
	fs := newFakeServer("")
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	machine := session.New(srv.URL, nil, session.PingProber{HTTP: srv.Client()})
	capturer := captureFunc(func(context.Context) ([]byte, error) { return pngBytes, nil })
	a := New(fastConfig(), machine, capturer, srv.Client(), clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "connected", func() bool { return a.Status().Session.Connected() })

	fs.failing.Store(true)
	waitFor(t, "session error", func() bool { return a.Status().Session.Status == session.StatusError })
	waitFor(t, "polling stopped", func() bool { return !a.Status().Poller.Polling })

	fs.failing.Store(false)
	waitFor(t, "reconnect", func() bool { return a.Status().Session.Connected() })
}

func TestAgentBackgroundPausesPolling(t *testing.T) {
	fs := newFakeServer("")
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	machine := session.New(srv.URL, nil, session.PingProber{HTTP: srv.Client()})
	capturer := captureFunc(func(context.Context) ([]byte, error) { return pngBytes, nil })
	a := New(fastConfig(), machine, capturer, srv.Client(), clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "polling", func() bool { return a.Status().Poller.Polling })
	a.SetForeground(false)
	if a.Status().Poller.Polling {
		t.Fatalf("Poller.Polling = true in background; want false")
	}
	a.SetForeground(true)
	if !a.Status().Poller.Polling {
		t.Fatalf("Poller.Polling = false after foreground; want true")
	}
}

func TestPendingWithoutSession(t *testing.T) {
	machine := session.New("http://127.0.0.1:1", nil, session.PingProber{})
	a := New(fastConfig(), machine, captureFunc(nil), nil, clock.NewFake(time.Unix(0, 0)))

	_, err := a.Pending(context.Background())
	if apperr.CodeOf(err) != apperr.CodeUnreachable {
		t.Fatalf("Pending() error = %v; want UNREACHABLE", err)
	}
	if err := a.Complete(context.Background(), "req_1"); apperr.CodeOf(err) != apperr.CodeUnreachable {
		t.Fatalf("Complete() error = %v; want UNREACHABLE", err)
	}
}

func TestAgentRediscoversOnClock(t *testing.T) {
	fs := newFakeServer("")
	fs.failing.Store(true)
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	fc := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	var connects atomic.Int32
	prober := session.ProberFunc(func(ctx context.Context, url string) error {
		connects.Add(1)
		return session.PingProber{HTTP: srv.Client()}.Probe(ctx, url)
	})
	machine := session.New(srv.URL, nil, prober)
	capturer := captureFunc(func(context.Context) ([]byte, error) { return pngBytes, nil })
	a := New(Config{Poller: poller.DefaultConfig(time.Second), Rediscover: 10 * time.Second}, machine, capturer, srv.Client(), fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	waitFor(t, "initial connect failure", func() bool { return a.Status().Session.Status == session.StatusError })
	fs.failing.Store(false)

	time.Sleep(50 * time.Millisecond)
	if n := connects.Load(); n != 1 {
		t.Fatalf("connects before the rediscovery delay = %d; want 1", n)
	}

	fc.Advance(10 * time.Second)
	waitFor(t, "reconnect after rediscovery delay", func() bool { return a.Status().Session.Connected() })
	if n := connects.Load(); n != 2 {
		t.Fatalf("connects = %d; want 2", n)
	}
}
