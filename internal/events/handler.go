package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// parseTypeFilter reads ?types=a,b. A nil map accepts every type.
func parseTypeFilter(r *http.Request) map[string]bool {
	q := r.URL.Query().Get("types")
	if q == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	return filter
}

// SSEHandler streams events as server-sent events.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		filter := parseTypeFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Type] {
					continue
				}
				data, err := json.Marshal(evt)
				if err != nil {
					slog.Debug("sse event marshal failed", "type", evt.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
				flusher.Flush()
			}
		}
	}
}

// WebSocketHandler streams events as JSON text frames over a WebSocket.
func WebSocketHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := parseTypeFilter(r)

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("event websocket upgrade failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Drain client frames so close and ping frames are handled.
		go func() {
			defer cancel()
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Type] {
					continue
				}
				data, err := json.Marshal(evt)
				if err != nil {
					slog.Debug("websocket event marshal failed", "type", evt.Type, "error", err)
					continue
				}
				if err := wsutil.WriteServerText(conn, data); err != nil {
					slog.Debug("event websocket write failed", "error", err)
					return
				}
			}
		}
	}
}
