// Package poller runs the peer-side loop that asks the server for pending
// capture requests and adapts its cadence to success and failure.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/dgnsrekt/exposnap/internal/wire"
)

// Source is the server side of the poll protocol.
type Source interface {
	Pending(ctx context.Context) (wire.PendingResponse, error)
	Complete(ctx context.Context, requestID string) error
}

// CaptureFunc produces and delivers a screenshot for requestID and reports
// whether it succeeded.
type CaptureFunc func(ctx context.Context, requestID string) bool

// Config holds the cadence policy.
type Config struct {
	Base         time.Duration
	Fast         time.Duration
	FastWindow   time.Duration
	Factor       float64
	Max          time.Duration
	BackoffReset time.Duration
	TickTimeout  time.Duration
}

// DefaultConfig returns the stock cadence policy around base.
func DefaultConfig(base time.Duration) Config {
	if base <= 0 {
		base = 2 * time.Second
	}
	return Config{
		Base:         base,
		Fast:         time.Second,
		FastWindow:   30 * time.Second,
		Factor:       1.5,
		Max:          10 * time.Second,
		BackoffReset: 60 * time.Second,
		TickTimeout:  45 * time.Second,
	}
}

// State is a point-in-time view of the poller.
type State struct {
	Polling       bool          `json:"polling"`
	LastError     string        `json:"last_error,omitempty"`
	LastRequestID string        `json:"last_request_id,omitempty"`
	Handled       int           `json:"handled"`
	Interval      time.Duration `json:"interval"`
}

// Poller is safe for concurrent use. At most one tick timer and one revert
// timer are armed at any time.
type Poller struct {
	cfg     Config
	clock   clock.Clock
	source  Source
	capture CaptureFunc

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	connected  bool
	foreground bool
	interval   time.Duration
	timer      clock.Timer
	timerGen   uint64
	revert     clock.Timer
	revertGen  uint64
	lastErr    string
	lastReqID  string
	handled    int

	ticking sync.Mutex
}

// New creates a stopped Poller. It starts in the foreground and
// disconnected.
func New(cfg Config, source Source, capture CaptureFunc, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		cfg:        cfg,
		clock:      clk,
		source:     source,
		capture:    capture,
		foreground: true,
		interval:   cfg.Base,
	}
}

// Start enables polling. The first check runs immediately when the
// connectivity and foreground gates are open.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.interval = p.cfg.Base
	p.armLocked(0)
}

// Stop disables polling and cancels any in-flight tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.disarmLocked()
	p.stopRevertLocked()
}

// SetConnected opens or closes the connectivity gate.
func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == connected {
		return
	}
	p.connected = connected
	if connected {
		p.armLocked(0)
		return
	}
	p.disarmLocked()
}

// SetForeground opens or closes the foreground gate. Returning to the
// foreground fires one immediate check and resumes at the base interval.
func (p *Poller) SetForeground(foreground bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.foreground == foreground {
		return
	}
	p.foreground = foreground
	if !foreground {
		slog.Debug("poller suspended")
		p.disarmLocked()
		return
	}
	p.interval = p.cfg.Base
	p.armLocked(0)
}

// Trigger runs one check now, leaving the scheduled timer alone. It is a
// no-op while another check is running.
func (p *Poller) Trigger() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	p.tick(ctx)
}

// State returns the current poller state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Polling:       p.activeLocked(),
		LastError:     p.lastErr,
		LastRequestID: p.lastReqID,
		Handled:       p.handled,
		Interval:      p.interval,
	}
}

func (p *Poller) activeLocked() bool {
	return p.running && p.connected && p.foreground
}

func (p *Poller) armLocked(delay time.Duration) {
	p.disarmLocked()
	if !p.activeLocked() {
		return
	}
	gen := p.timerGen
	ctx := p.ctx
	p.timer = p.clock.AfterFunc(delay, func() { p.fire(ctx, gen) })
}

func (p *Poller) disarmLocked() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) fire(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen || !p.activeLocked() {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	p.tick(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	// A gate change during the tick has already re-armed or disarmed.
	if gen == p.timerGen && p.activeLocked() {
		p.armLocked(p.interval)
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.ticking.TryLock() {
		return
	}
	defer p.ticking.Unlock()

	if p.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TickTimeout)
		defer cancel()
	}

	resp, err := p.source.Pending(ctx)
	if err != nil {
		p.failed(err)
		return
	}
	if !resp.Requested || resp.ID == "" {
		return
	}

	p.mu.Lock()
	p.lastReqID = resp.ID
	p.lastErr = ""
	p.mu.Unlock()

	if !p.capture(ctx, resp.ID) {
		slog.Warn("capture callback reported failure", "request_id", resp.ID)
		return
	}
	if err := p.source.Complete(ctx, resp.ID); err != nil {
		p.failed(err)
		return
	}
	p.succeeded(resp.ID)
}

func (p *Poller) succeeded(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled++
	p.lastErr = ""
	slog.Info("capture request handled", "request_id", requestID, "handled", p.handled)
	p.setIntervalLocked(p.cfg.Fast)
	p.scheduleRevertLocked(p.cfg.FastWindow)
}

func (p *Poller) failed(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err.Error()
	next := time.Duration(float64(p.interval) * p.cfg.Factor)
	if next > p.cfg.Max {
		next = p.cfg.Max
	}
	slog.Warn("poll failed", "error", err, "next_interval", next)
	p.setIntervalLocked(next)
	p.scheduleRevertLocked(p.cfg.BackoffReset)
}

// setIntervalLocked changes the cadence and re-arms the tick timer.
func (p *Poller) setIntervalLocked(d time.Duration) {
	if d == p.interval {
		return
	}
	p.interval = d
	if p.timer != nil {
		p.armLocked(d)
	}
}

func (p *Poller) scheduleRevertLocked(after time.Duration) {
	p.stopRevertLocked()
	gen := p.revertGen
	p.revert = p.clock.AfterFunc(after, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.revertGen {
			return
		}
		p.revert = nil
		p.setIntervalLocked(p.cfg.Base)
	})
}

func (p *Poller) stopRevertLocked() {
	p.revertGen++
	if p.revert != nil {
		p.revert.Stop()
		p.revert = nil
	}
}
