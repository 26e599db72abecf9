// Package notify forwards selected server events to an ntfy topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/exposnap/internal/events"
	"github.com/dgnsrekt/exposnap/internal/requests"
	"github.com/dgnsrekt/exposnap/internal/snapshot"
)

// Send posts a plain-text message to endpoint.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}
	if endpoint == "" {
		return fmt.Errorf("ntfy endpoint is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Message renders the notification text for an event; ok is false for
// events that are not forwarded.
func Message(evt events.Event) (string, bool) {
	switch evt.Type {
	case events.TypeScreenshotSaved:
		meta, ok := evt.Data.(snapshot.Meta)
		if !ok {
			return "", false
		}
		msg := "screenshot saved: " + meta.Filename
		if meta.Description != "" {
			msg += " (" + meta.Description + ")"
		}
		return msg, true
	case events.TypeRequestTimedOut:
		req, ok := evt.Data.(requests.Request)
		if !ok {
			return "", false
		}
		return "screenshot request " + req.ID + " timed out; is the app polling?", true
	default:
		return "", false
	}
}

// Forward subscribes to broker and posts forwarded events to endpoint until
// ctx is cancelled.
func Forward(ctx context.Context, broker *events.Broker, client *http.Client, endpoint string) {
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
			msg, forward := Message(evt)
			if !forward {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := Send(sendCtx, client, endpoint, msg); err != nil {
				slog.Warn("ntfy notification failed", "endpoint", endpoint, "error", err)
			}
			cancel()
		}
	}
}
