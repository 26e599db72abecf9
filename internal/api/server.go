package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/controller"
	"github.com/dgnsrekt/exposnap/internal/events"
	"github.com/dgnsrekt/exposnap/internal/requests"
	"github.com/dgnsrekt/exposnap/internal/snapshot"
	"github.com/dgnsrekt/exposnap/internal/wire"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Capture(ctx context.Context, description string) (controller.CaptureResult, error)
	PollPending(remote string) wire.PendingResponse
	CompleteRequest(id string)
	Ingest(image []byte, description, requestID string) (snapshot.Meta, string, error)
	ListScreenshots(limit int) []snapshot.Meta
	LatestScreenshot() (snapshot.Meta, error)
	GetScreenshot(id string) (snapshot.Meta, error)
	ReadScreenshotImage(id string) ([]byte, string, error)
	DeleteScreenshot(id string) error
	ListRequests() []requests.Request
	GetRequest(id string) (requests.Request, error)
	Peer() controller.PeerStatus
	Events() *events.Broker
}

// Identity is what the server advertises on /ping and /discover.
type Identity struct {
	Version string
	Port    int
}

func NewServer(svc Service, id Identity) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(cors)

	cfg := huma.DefaultConfig("ExpoSnap API", id.Version)
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerPeerRoutes(router, svc, id)
	registerCaptureHandlers(api, svc)
	registerScreenshotHandlers(api, svc)
	registerStatusHandlers(api, svc)

	if broker := svc.Events(); broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(broker))
		router.Get("/api/v1/events/ws", events.WebSocketHandler(broker))
	}

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case apperr.CodeInvalid:
			return huma.Error400BadRequest(coded.Message)
		case apperr.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case apperr.CodeConflict:
			return huma.Error409Conflict(coded.Message)
		case apperr.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case apperr.CodeUnreachable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.Canceled) {
		return huma.NewError(499, "client closed request")
	}
	return huma.Error500InternalServerError(err.Error())
}
