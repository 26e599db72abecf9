// Package controller implements the server-side operations shared by the
// peer wire endpoints and the operator API.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/events"
	"github.com/dgnsrekt/exposnap/internal/requests"
	"github.com/dgnsrekt/exposnap/internal/snapshot"
	"github.com/dgnsrekt/exposnap/internal/wire"
)

// SourceExpo tags screenshots uploaded by a peer.
const SourceExpo = "expo"

// Journal receives resolved request records.
type Journal interface {
	Write(record any) error
}

// CaptureResult is the outcome of a successful operator capture.
type CaptureResult struct {
	Request    requests.Request `json:"request"`
	Screenshot snapshot.Meta    `json:"screenshot"`
	Path       string           `json:"path"`
}

// Service coordinates the request broker, the screenshot store and peer
// presence.
type Service struct {
	broker   *requests.Broker
	snaps    *snapshot.Store
	presence *Presence
	events   *events.Broker

	captureTimeout time.Duration
}

// NewService wires a Service. events may be nil.
func NewService(broker *requests.Broker, snaps *snapshot.Store, presence *Presence, ev *events.Broker, captureTimeout time.Duration) *Service {
	if captureTimeout <= 0 {
		captureTimeout = requests.DefaultTimeout
	}
	if presence == nil {
		presence = NewPresence(DefaultPeerWindow, nil)
	}
	return &Service{
		broker:         broker,
		snaps:          snaps,
		presence:       presence,
		events:         ev,
		captureTimeout: captureTimeout,
	}
}

// RequestObserver returns a broker observer that publishes request
// lifecycle events and journals resolved requests. Either sink may be nil.
func RequestObserver(ev *events.Broker, journal Journal) func(requests.Request) {
	return func(req requests.Request) {
		typ := events.TypeRequestCreated
		switch req.Status {
		case requests.StatusCaptured:
			typ = events.TypeRequestCaptured
		case requests.StatusTimedOut:
			typ = events.TypeRequestTimedOut
		}
		if ev != nil {
			ev.Publish(events.Event{Type: typ, Data: req})
		}
		if journal != nil && req.Status != requests.StatusPending {
			if err := journal.Write(req); err != nil {
				slog.Warn("journal write failed", "request_id", req.ID, "error", err)
			}
		}
	}
}

// Capture creates a request and waits for the peer to deliver a screenshot.
// A capture rejected because another one is waiting leaves no request
// behind. Uploads naming a different request do not resolve it.
func (s *Service) Capture(ctx context.Context, description string) (CaptureResult, error) {
	req, wait, err := s.broker.CreateAwaiting(strings.TrimSpace(description))
	if err != nil {
		return CaptureResult{}, err
	}

	ref, ok, err := wait.Await(ctx, s.captureTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CaptureResult{}, apperr.Timeout("screenshot request timed out")
		}
		return CaptureResult{}, err
	}
	if !ok {
		return CaptureResult{}, apperr.Timeout("screenshot request timed out")
	}
	if ref.RequestID == "" {
		// An upload without a request id answers the waiting capture.
		s.broker.Complete(req.ID)
	}

	result := CaptureResult{Request: req, Path: ref.Path}
	if latest, err := s.broker.Get(req.ID); err == nil {
		result.Request = latest
	}
	meta, err := s.snaps.Get(ref.ID)
	if err != nil {
		return CaptureResult{}, err
	}
	result.Screenshot = meta
	return result, nil
}

// PollPending serves a peer poll: it records presence and returns the
// newest pending request.
func (s *Service) PollPending(remote string) wire.PendingResponse {
	if s.presence.Mark(remote) {
		slog.Info("peer polling", "remote", remote)
		s.publish(events.TypePeerPolled, s.presence.Status())
	}
	req, ok := s.broker.LatestPending()
	if !ok {
		return wire.PendingResponse{Requested: false}
	}
	return wire.PendingResponse{Requested: true, ID: req.ID, Description: req.Description}
}

// CompleteRequest marks a request captured. Unknown or resolved ids are
// accepted silently.
func (s *Service) CompleteRequest(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.broker.Complete(id)
}

// Ingest stores an uploaded screenshot, resolves its request if one is
// named and wakes the waiting capture.
func (s *Service) Ingest(image []byte, description, requestID string) (snapshot.Meta, string, error) {
	if len(image) == 0 {
		return snapshot.Meta{}, "", apperr.Invalid("No image provided", nil)
	}
	requestID = strings.TrimSpace(requestID)
	meta, err := s.snaps.Save(image, snapshot.SaveOptions{
		Description: description,
		RequestID:   requestID,
		Source:      SourceExpo,
	})
	if err != nil {
		return snapshot.Meta{}, "", err
	}
	path := s.snaps.Path(meta)
	slog.Info("screenshot saved", "id", meta.ID, "path", path, "request_id", requestID, "bytes", meta.SizeBytes)

	if requestID != "" {
		s.broker.Complete(requestID)
	}
	s.broker.NotifyNewArtifact(requests.ArtifactRef{ID: meta.ID, Path: path, RequestID: requestID})
	s.publish(events.TypeScreenshotSaved, meta)
	return meta, path, nil
}

// ListScreenshots returns up to limit screenshots, newest first.
func (s *Service) ListScreenshots(limit int) []snapshot.Meta {
	return s.snaps.List(limit)
}

// LatestScreenshot returns the newest stored screenshot.
func (s *Service) LatestScreenshot() (snapshot.Meta, error) {
	return s.snaps.Latest()
}

// GetScreenshot returns screenshot metadata by id.
func (s *Service) GetScreenshot(id string) (snapshot.Meta, error) {
	return s.snaps.Get(strings.TrimSpace(id))
}

// ReadScreenshotImage returns the image bytes and format of a screenshot.
func (s *Service) ReadScreenshotImage(id string) ([]byte, string, error) {
	return s.snaps.ReadImage(strings.TrimSpace(id))
}

// DeleteScreenshot removes a screenshot and its sidecar.
func (s *Service) DeleteScreenshot(id string) error {
	return s.snaps.Delete(strings.TrimSpace(id))
}

// ListRequests returns retained requests, newest first.
func (s *Service) ListRequests() []requests.Request {
	return s.broker.List()
}

// GetRequest returns a retained request by id.
func (s *Service) GetRequest(id string) (requests.Request, error) {
	return s.broker.Get(strings.TrimSpace(id))
}

// Peer reports peer presence.
func (s *Service) Peer() PeerStatus {
	return s.presence.Status()
}

// Events returns the event broker, which may be nil.
func (s *Service) Events() *events.Broker {
	return s.events
}

func (s *Service) publish(typ string, data any) {
	if s.events != nil {
		s.events.Publish(events.Event{Type: typ, Data: data})
	}
}
