// Package cdp captures screenshots of a Chromium tab over the DevTools
// protocol.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/exposnap/internal/apperr"
)

// Client attaches to the first page whose URL matches the filter and
// captures it on demand. It reattaches after a failed capture.
type Client struct {
	cdpURL       string
	tabURLFilter string
	timeout      time.Duration

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tab         *tabContext
}

type tabContext struct {
	id     target.ID
	url    string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a Client for the DevTools endpoint at cdpURL.
func NewClient(cdpURL, tabURLFilter string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{cdpURL: cdpURL, tabURLFilter: tabURLFilter, timeout: timeout}
}

// Connect attaches to a matching tab.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.tab != nil {
		return nil
	}
	if c.allocCtx == nil {
		slog.Info("connecting to chromium", "url", c.cdpURL)
		c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	}

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()
	stop := context.AfterFunc(ctx, tempCancel)
	defer stop()

	if err := chromedp.Run(tempCtx); err != nil {
		return apperr.Unreachable("failed to connect to browser", err)
	}
	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return apperr.Unreachable("failed to enumerate targets", err)
	}

	for _, t := range targets {
		if t.Type != "page" || !c.matchesTabURL(t.URL) {
			continue
		}
		if err := c.attachLocked(t.TargetID, t.URL); err != nil {
			slog.Warn("failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
			continue
		}
		return nil
	}
	return apperr.NotFound(fmt.Sprintf("no tab matches EXPOSNAP_TAB_URL_FILTER=%q", c.tabURLFilter))
}

func (c *Client) attachLocked(targetID target.ID, url string) error {
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		return fmt.Errorf("enable page domain: %w", err)
	}

	tab := &tabContext{id: targetID, url: url, ctx: tabCtx, cancel: tabCancel}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*page.EventFrameNavigated); ok && e.Frame.ParentID == "" {
			slog.Debug("tab navigated", "target_id", targetID, "url", truncateURL(e.Frame.URL))
		}
	})
	c.tab = tab
	slog.Info("attached to tab", "target_id", targetID, "url", truncateURL(url))
	return nil
}

// Capture returns a PNG of the attached tab's viewport.
func (c *Client) Capture(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(c.tab.ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		slog.Warn("tab capture failed, detaching", "target_id", c.tab.id, "error", err)
		c.detachLocked()
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.Timeout("page capture timed out")
		}
		return nil, apperr.Unreachable("page capture failed", err)
	}
	return buf, nil
}

func (c *Client) detachLocked() {
	if c.tab != nil {
		c.tab.cancel()
		c.tab = nil
	}
}

// Close detaches and releases the allocator.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCtx, c.allocCancel = nil, nil
	}
	slog.Info("CDP client closed")
	return nil
}

func (c *Client) matchesTabURL(url string) bool {
	if c.tabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.tabURLFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
