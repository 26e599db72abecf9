// Package wire defines the HTTP+JSON protocol spoken between the exposnap
// server and a polling peer, and a client for it.
package wire

// Identity values asserted by every exposnap server on /ping.
const (
	ServiceName = "exposnap"
	ServerName  = "exposnap-server"
	StatusReady = "ready"
)

const (
	PathPing      = "/ping"
	PathDiscover  = "/discover"
	PathPending   = "/screenshot-request"
	PathCompleted = "/screenshot-completed"
	PathUpload    = "/screenshot"
)

// Multipart field names accepted by POST /screenshot.
const (
	FieldScreenshot  = "screenshot"
	FieldRequestID   = "requestId"
	FieldDescription = "description"
)

// DefaultServerPort is the port the server listens on and peers scan for.
const DefaultServerPort = 3333

// PingResponse is the identity document served on /ping and /discover.
type PingResponse struct {
	Name      string `json:"name,omitempty"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Port      int    `json:"port"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PendingResponse reflects the newest pending capture request, if any.
type PendingResponse struct {
	Requested   bool   `json:"requested"`
	ID          string `json:"id,omitempty"`
	Description string `json:"description,omitempty"`
}

// CompletedRequest is the body of POST /screenshot-completed.
type CompletedRequest struct {
	RequestID string `json:"requestId,omitempty"`
}

// SuccessResponse is returned by endpoints that always succeed.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// UploadResponse is returned by POST /screenshot.
type UploadResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	ID      string `json:"id"`
}
