// Package requests holds capture requests created by the operator until a
// peer fulfils them, they time out, or they age out of the retention window.
package requests

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a request. Pending moves to exactly one
// terminal state and never back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCaptured Status = "captured"
	StatusTimedOut Status = "timeout"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetention = 60 * time.Second
)

// Request is a snapshot of a capture request.
type Request struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
}

// ArtifactRef identifies a stored screenshot delivered to a waiter.
type ArtifactRef struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

type record struct {
	req     Request
	seq     uint64
	timeout clock.Timer
}

// Broker owns the request set. Every status write is a check-then-set under
// mu, so whichever of completion and timeout lands first wins.
type Broker struct {
	mu        sync.Mutex
	clock     clock.Clock
	timeout   time.Duration
	retention time.Duration
	records   map[string]*record
	seq       uint64
	waiter    *waiter

	gate     func() bool
	observer func(Request)
	newID    func() string
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithTimeout sets how long a request may stay pending.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithRetention sets how long a request is kept after creation.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithGate installs an acceptance check consulted by Create. When it
// returns false, Create fails with an UNREACHABLE error.
func WithGate(gate func() bool) Option {
	return func(b *Broker) { b.gate = gate }
}

// WithObserver registers a callback invoked after every create and
// terminal transition, outside the broker lock.
func WithObserver(fn func(Request)) Option {
	return func(b *Broker) { b.observer = fn }
}

// WithIDGenerator replaces the request id source.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) { b.newID = fn }
}

// NewBroker creates an empty Broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		clock:     clock.Real(),
		timeout:   DefaultTimeout,
		retention: DefaultRetention,
		records:   make(map[string]*record),
		newID:     func() string { return "req_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create stores a new pending request and schedules its timeout and
// retention eviction. It never waits on the peer.
func (b *Broker) Create(description string) (Request, error) {
	if err := b.admit(); err != nil {
		return Request{}, err
	}
	b.mu.Lock()
	req, err := b.createLocked(description)
	b.mu.Unlock()
	if err != nil {
		return Request{}, err
	}
	b.created(req)
	return req, nil
}

// CreateAwaiting claims the waiter slot and creates a request bound to it in
// one step. If the slot is taken it fails with CONFLICT and creates nothing.
// The returned Wait only accepts artifacts for this request or artifacts
// that name no request.
func (b *Broker) CreateAwaiting(description string) (Request, *Wait, error) {
	if err := b.admit(); err != nil {
		return Request{}, nil, err
	}
	b.mu.Lock()
	if b.waiter != nil {
		b.mu.Unlock()
		return Request{}, nil, errWaiterBusy()
	}
	req, err := b.createLocked(description)
	if err != nil {
		b.mu.Unlock()
		return Request{}, nil, err
	}
	w := &waiter{slot: make(chan ArtifactRef, 1), requestID: req.ID}
	b.waiter = w
	b.mu.Unlock()

	b.created(req)
	return req, &Wait{b: b, w: w}, nil
}

func (b *Broker) admit() error {
	if b.gate != nil && !b.gate() {
		return apperr.Unreachable("no peer is polling for requests", nil)
	}
	return nil
}

func (b *Broker) createLocked(description string) (Request, error) {
	id := b.newID()
	if _, exists := b.records[id]; exists {
		return Request{}, apperr.New(apperr.CodeConflict, "duplicate request id "+id, nil)
	}
	b.seq++
	rec := &record{
		req: Request{
			ID:          id,
			CreatedAt:   b.clock.Now().UTC(),
			Description: description,
			Status:      StatusPending,
		},
		seq: b.seq,
	}
	b.records[id] = rec
	rec.timeout = b.clock.AfterFunc(b.timeout, func() { b.expire(id) })
	b.clock.AfterFunc(b.retention, func() { b.evict(id) })
	return rec.req, nil
}

func (b *Broker) created(req Request) {
	slog.Info("capture request created", "request_id", req.ID, "description", req.Description)
	b.notify(req)
}

// LatestPending returns the newest request still pending. It does not claim
// the request; repeated calls see the same record until it resolves.
func (b *Broker) LatestPending() (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var latest *record
	for _, rec := range b.records {
		if rec.req.Status != StatusPending {
			continue
		}
		if latest == nil || newer(rec, latest) {
			latest = rec
		}
	}
	if latest == nil {
		return Request{}, false
	}
	return latest.req, true
}

func newer(a, b *record) bool {
	if a.req.CreatedAt.Equal(b.req.CreatedAt) {
		return a.seq > b.seq
	}
	return a.req.CreatedAt.After(b.req.CreatedAt)
}

// Complete marks a pending request captured. Unknown, captured and
// timed-out ids are ignored; the return value reports whether a transition
// happened.
func (b *Broker) Complete(id string) bool {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok || rec.req.Status != StatusPending {
		b.mu.Unlock()
		slog.Debug("capture completion ignored", "request_id", id, "known", ok)
		return false
	}
	rec.req.Status = StatusCaptured
	if rec.timeout != nil {
		rec.timeout.Stop()
	}
	req := rec.req
	b.mu.Unlock()

	slog.Info("capture request captured", "request_id", id)
	b.notify(req)
	return true
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok || rec.req.Status != StatusPending {
		b.mu.Unlock()
		return
	}
	rec.req.Status = StatusTimedOut
	req := rec.req
	b.mu.Unlock()

	slog.Warn("capture request timed out", "request_id", id, "timeout", b.timeout)
	b.notify(req)
}

func (b *Broker) evict(id string) {
	b.mu.Lock()
	delete(b.records, id)
	b.mu.Unlock()
}

// Get returns a request by id.
func (b *Broker) Get(id string) (Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return Request{}, apperr.NotFound("request not found: " + id)
	}
	return rec.req, nil
}

// List returns all retained requests, newest first.
func (b *Broker) List() []Request {
	b.mu.Lock()
	recs := make([]*record, 0, len(b.records))
	for _, rec := range b.records {
		recs = append(recs, rec)
	}
	b.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return newer(recs[i], recs[j]) })
	out := make([]Request, len(recs))
	for i, rec := range recs {
		out[i] = rec.req
	}
	return out
}

type waiter struct {
	slot      chan ArtifactRef
	requestID string
}

func errWaiterBusy() error {
	return apperr.New(apperr.CodeConflict, "another capture is already waiting", nil)
}

// Wait is a claimed waiter slot. Await or Release frees it.
type Wait struct {
	b *Broker
	w *waiter
}

// Await blocks until a matching NotifyNewArtifact, the timeout, or ctx
// cancellation, whichever comes first. ok is false on timeout. The slot is
// released on return.
func (w *Wait) Await(ctx context.Context, timeout time.Duration) (ArtifactRef, bool, error) {
	expired := make(chan struct{})
	timer := w.b.clock.AfterFunc(timeout, func() { close(expired) })
	defer func() {
		timer.Stop()
		w.Release()
	}()

	select {
	case ref := <-w.w.slot:
		return ref, true, nil
	case <-expired:
		return ArtifactRef{}, false, nil
	case <-ctx.Done():
		return ArtifactRef{}, false, ctx.Err()
	}
}

// Release frees the slot if it is still held. It is safe to call twice.
func (w *Wait) Release() {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.waiter == w.w {
		w.b.waiter = nil
	}
}

// AwaitCompletion waits for the next NotifyNewArtifact, the timeout, or ctx
// cancellation, whichever comes first. ok is false on timeout. Only one
// waiter may be registered; a second concurrent call fails with CONFLICT.
func (b *Broker) AwaitCompletion(ctx context.Context, timeout time.Duration) (ArtifactRef, bool, error) {
	b.mu.Lock()
	if b.waiter != nil {
		b.mu.Unlock()
		return ArtifactRef{}, false, errWaiterBusy()
	}
	w := &waiter{slot: make(chan ArtifactRef, 1)}
	b.waiter = w
	b.mu.Unlock()

	return (&Wait{b: b, w: w}).Await(ctx, timeout)
}

// NotifyNewArtifact fires the registered waiter, if any, and removes it. A
// waiter bound to a request ignores artifacts naming a different request.
func (b *Broker) NotifyNewArtifact(ref ArtifactRef) {
	b.mu.Lock()
	w := b.waiter
	if w == nil {
		b.mu.Unlock()
		return
	}
	if w.requestID != "" && ref.RequestID != "" && ref.RequestID != w.requestID {
		b.mu.Unlock()
		slog.Debug("artifact for another request ignored", "artifact_request_id", ref.RequestID, "waiting_for", w.requestID)
		return
	}
	b.waiter = nil
	b.mu.Unlock()
	w.slot <- ref
}

// Waiting reports whether a waiter is registered.
func (b *Broker) Waiting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiter != nil
}

func (b *Broker) notify(req Request) {
	if b.observer != nil {
		b.observer(req)
	}
}
