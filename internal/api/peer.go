package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/dgnsrekt/exposnap/internal/wire"
	"github.com/go-chi/chi/v5"
)

// maxUploadBytes bounds a single screenshot upload.
const maxUploadBytes = 32 << 20

type errorBody struct {
	Error string `json:"error"`
}

// registerPeerRoutes serves the polling protocol. These routes keep the
// plain JSON shapes peers expect instead of huma problem documents.
func registerPeerRoutes(router chi.Router, svc Service, id Identity) {
	ping := func() wire.PingResponse {
		return wire.PingResponse{
			Name:    wire.ServerName,
			Service: wire.ServiceName,
			Version: id.Version,
			Status:  wire.StatusReady,
			Port:    id.Port,
		}
	}

	router.Get(wire.PathPing, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ping())
	})

	router.Get(wire.PathDiscover, func(w http.ResponseWriter, r *http.Request) {
		slog.Info("discovery request", "remote", r.RemoteAddr)
		resp := ping()
		resp.Timestamp = time.Now().UnixMilli()
		writeJSON(w, http.StatusOK, resp)
	})

	router.Get(wire.PathPending, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.PollPending(r.RemoteAddr))
	})

	router.Post(wire.PathCompleted, func(w http.ResponseWriter, r *http.Request) {
		var body wire.CompletedRequest
		// A missing or malformed body still succeeds.
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && err != io.EOF {
			slog.Debug("completion body ignored", "error", err)
		}
		svc.CompleteRequest(body.RequestID)
		writeJSON(w, http.StatusOK, wire.SuccessResponse{Success: true})
	})

	router.Post(wire.PathUpload, func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "No image provided"})
			return
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		file, _, err := r.FormFile(wire.FieldScreenshot)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "No image provided"})
			return
		}
		defer file.Close()

		image, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read upload"})
			return
		}

		meta, path, err := svc.Ingest(image, r.FormValue(wire.FieldDescription), r.FormValue(wire.FieldRequestID))
		if err != nil {
			status := http.StatusInternalServerError
			if apperr.Is(err, apperr.CodeInvalid) {
				status = http.StatusBadRequest
			}
			slog.Warn("screenshot upload rejected", "error", err, "remote", r.RemoteAddr)
			writeJSON(w, status, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, wire.UploadResponse{Success: true, Path: path, ID: meta.ID})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("json response write failed", "error", err)
	}
}
