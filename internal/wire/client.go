package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dgnsrekt/exposnap/internal/apperr"
)

const maxResponseBytes = 1 << 20

// Client talks to an exposnap server at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for baseURL. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{BaseURL: NormalizeURL(baseURL), HTTP: httpClient}
}

// NormalizeURL prefixes a bare host:port with http:// and strips trailing slashes.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

// Ping fetches /ping and verifies the exposnap identity. Any non-2xx
// response, undecodable body, or foreign identity is an UNREACHABLE error.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var out PingResponse
	if err := c.getJSON(ctx, PathPing, &out); err != nil {
		return PingResponse{}, err
	}
	if out.Service != ServiceName {
		return PingResponse{}, apperr.Unreachable(fmt.Sprintf("unexpected service identity %q", out.Service), nil)
	}
	return out, nil
}

// Pending polls /screenshot-request.
func (c *Client) Pending(ctx context.Context) (PendingResponse, error) {
	var out PendingResponse
	if err := c.getJSON(ctx, PathPending, &out); err != nil {
		return PendingResponse{}, err
	}
	return out, nil
}

// Complete reports a fulfilled request to /screenshot-completed.
func (c *Client) Complete(ctx context.Context, requestID string) error {
	body, err := json.Marshal(CompletedRequest{RequestID: requestID})
	if err != nil {
		return apperr.Invalid("encode completion", err)
	}
	var out SuccessResponse
	return c.do(ctx, http.MethodPost, PathCompleted, "application/json", bytes.NewReader(body), &out)
}

// Upload posts an image to /screenshot as multipart form data.
func (c *Client) Upload(ctx context.Context, filename string, image []byte, requestID, description string) (UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(FieldScreenshot, filename)
	if err != nil {
		return UploadResponse{}, apperr.Invalid("build upload form", err)
	}
	if _, err := part.Write(image); err != nil {
		return UploadResponse{}, apperr.Invalid("build upload form", err)
	}
	if requestID != "" {
		if err := mw.WriteField(FieldRequestID, requestID); err != nil {
			return UploadResponse{}, apperr.Invalid("build upload form", err)
		}
	}
	if description != "" {
		if err := mw.WriteField(FieldDescription, description); err != nil {
			return UploadResponse{}, apperr.Invalid("build upload form", err)
		}
	}
	if err := mw.Close(); err != nil {
		return UploadResponse{}, apperr.Invalid("build upload form", err)
	}

	var out UploadResponse
	if err := c.do(ctx, http.MethodPost, PathUpload, mw.FormDataContentType(), &buf, &out); err != nil {
		return UploadResponse{}, err
	}
	if !out.Success {
		return UploadResponse{}, apperr.Unreachable("upload rejected", nil)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.BaseURL == "" {
		return apperr.Invalid("missing server url", nil)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return apperr.Invalid("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.New(apperr.CodeTimeout, method+" "+path+" timed out", err)
		}
		return apperr.Unreachable(method+" "+path+" failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return apperr.Unreachable(fmt.Sprintf("%s %s: status=%d", method, path, resp.StatusCode), nil)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return apperr.Invalid(method+" "+path+": malformed response", err)
	}
	return nil
}
