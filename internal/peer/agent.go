// Package peer drives the peer side of exposnap: it keeps a session to the
// server, runs the poller while connected, and answers capture requests by
// uploading a page screenshot.
package peer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/dgnsrekt/exposnap/internal/poller"
	"github.com/dgnsrekt/exposnap/internal/session"
	"github.com/dgnsrekt/exposnap/internal/wire"
)

// DefaultReprobeAfter is the number of consecutive failed polls after which
// the agent re-probes the server.
const DefaultReprobeAfter = 3

// Capturer renders the page to a PNG.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Config holds agent settings.
type Config struct {
	Poller       poller.Config
	Rediscover   time.Duration
	ReprobeAfter int
	Description  string
}

// Agent wires a session.Machine to a poller.Poller.
type Agent struct {
	cfg      Config
	machine  *session.Machine
	capturer Capturer
	http     *http.Client
	clock    clock.Clock
	poller   *poller.Poller

	mu       sync.Mutex
	client   *wire.Client
	failures int
	runCtx   context.Context

	starting atomic.Bool
	uploads  atomic.Int64
}

// New creates an Agent. clk drives the poller and rediscovery timers.
func New(cfg Config, machine *session.Machine, capturer Capturer, httpClient *http.Client, clk clock.Clock) *Agent {
	if cfg.Rediscover <= 0 {
		cfg.Rediscover = 10 * time.Second
	}
	if cfg.ReprobeAfter <= 0 {
		cfg.ReprobeAfter = DefaultReprobeAfter
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	a := &Agent{
		cfg:      cfg,
		machine:  machine,
		capturer: capturer,
		http:     httpClient,
		clock:    clk,
		runCtx:   context.Background(),
	}
	a.poller = poller.New(cfg.Poller, a, a.capture, clk)
	return a
}

// Run starts the session and the poller and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	id, ch := a.machine.Subscribe()
	defer a.machine.Unsubscribe(id)

	a.poller.Start(ctx)
	defer a.poller.Stop()

	rediscover := make(chan struct{}, 1)
	var timer clock.Timer
	arm := func() {
		timer = a.clock.AfterFunc(a.cfg.Rediscover, func() {
			select {
			case rediscover <- struct{}{}:
			default:
			}
		})
	}
	arm()
	defer func() { timer.Stop() }()

	a.apply(a.machine.Snapshot())
	a.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if s, ok := evt.Data.(session.Session); ok {
				a.apply(s)
			}
		case <-rediscover:
			// Subscribers may drop events; the snapshot is authoritative.
			snap := a.machine.Snapshot()
			a.apply(snap)
			if !snap.Connected() {
				a.start(ctx)
			}
			arm()
		}
	}
}

// start runs one session Start in the background unless one is running.
func (a *Agent) start(ctx context.Context) {
	if !a.starting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.starting.Store(false)
		a.machine.Start(ctx)
	}()
}

// apply follows a session snapshot: a connected session gets a wire client
// and turns polling on, anything else turns it off.
func (a *Agent) apply(s session.Session) {
	a.mu.Lock()
	if s.Connected() {
		if a.client == nil || a.client.BaseURL != s.PeerURL {
			a.client = wire.NewClient(s.PeerURL, a.http)
			slog.Info("peer polling server", "url", s.PeerURL)
		}
		a.failures = 0
	} else {
		a.client = nil
	}
	a.mu.Unlock()
	a.poller.SetConnected(s.Connected())
}

func (a *Agent) current() *wire.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// SetForeground pauses or resumes polling.
func (a *Agent) SetForeground(foreground bool) {
	a.poller.SetForeground(foreground)
}

// Trigger runs an immediate poll.
func (a *Agent) Trigger() {
	a.poller.Trigger()
}

// Status is a combined view of the session and the poller.
type Status struct {
	Session session.Session `json:"session"`
	Poller  poller.State    `json:"poller"`
	Uploads int64           `json:"uploads"`
}

// Status returns the current agent status.
func (a *Agent) Status() Status {
	return Status{
		Session: a.machine.Snapshot(),
		Poller:  a.poller.State(),
		Uploads: a.uploads.Load(),
	}
}

// Pending implements poller.Source against the connected server.
func (a *Agent) Pending(ctx context.Context) (wire.PendingResponse, error) {
	c := a.current()
	if c == nil {
		return wire.PendingResponse{}, apperr.Unreachable("not connected to a server", nil)
	}
	resp, err := c.Pending(ctx)
	a.observe(err)
	return resp, err
}

// Complete implements poller.Source.
func (a *Agent) Complete(ctx context.Context, requestID string) error {
	c := a.current()
	if c == nil {
		return apperr.Unreachable("not connected to a server", nil)
	}
	err := c.Complete(ctx, requestID)
	a.observe(err)
	return err
}

// observe counts consecutive transport failures and re-probes the server
// once the threshold is reached. A failed probe moves the session to error,
// which stops polling until rediscovery succeeds.
func (a *Agent) observe(err error) {
	a.mu.Lock()
	if err == nil || ctxDone(a.runCtx) {
		a.failures = 0
		a.mu.Unlock()
		return
	}
	a.failures++
	if a.failures < a.cfg.ReprobeAfter || a.client == nil {
		a.mu.Unlock()
		return
	}
	a.failures = 0
	url := a.client.BaseURL
	ctx := a.runCtx
	a.mu.Unlock()

	slog.Warn("peer polls failing, re-probing server", "url", url, "error", err)
	go a.machine.Connect(ctx, url)
}

func (a *Agent) capture(ctx context.Context, requestID string) bool {
	c := a.current()
	if c == nil {
		return false
	}
	png, err := a.capturer.Capture(ctx)
	if err != nil {
		slog.Warn("page capture failed", "request_id", requestID, "error", err)
		return false
	}
	filename := "screenshot_" + a.clock.Now().UTC().Format("20060102T150405Z") + ".png"
	resp, err := c.Upload(ctx, filename, png, requestID, a.cfg.Description)
	if err != nil {
		slog.Warn("screenshot upload failed", "request_id", requestID, "error", err)
		return false
	}
	a.uploads.Add(1)
	slog.Info("screenshot uploaded", "request_id", requestID, "screenshot_id", resp.ID, "bytes", len(png))
	return true
}

func ctxDone(ctx context.Context) bool {
	return ctx != nil && ctx.Err() != nil
}
