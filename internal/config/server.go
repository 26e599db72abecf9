package config

import (
	"fmt"
	"strconv"
	"time"
)

// ServerConfig holds settings for the exposnap server.
type ServerConfig struct {
	BindHost         string
	Port             int
	PortAutoFallback bool
	ScreenshotsDir   string
	MaxScreenshots   int
	RequestTimeout   time.Duration
	RequestRetention time.Duration
	RequirePeer      bool
	PeerWindow       time.Duration
	JournalDir       string
	NotifyURL        string
	LogLevel         string
	LogFile          string
}

// ServerVars lists the variables read by LoadServer.
var ServerVars = []Var{
	{"EXPOSNAP_BIND_HOST", "0.0.0.0", "interface to listen on"},
	{"EXPOSNAP_PORT", "3333", "listen port; 0 picks a free port"},
	{"EXPOSNAP_PORT_AUTO_FALLBACK", "true", "try the next ports when busy"},
	{"EXPOSNAP_SCREENSHOTS_DIR", "./screenshots", "where uploads are stored"},
	{"EXPOSNAP_MAX_SCREENSHOTS", "10", "screenshots kept on disk"},
	{"EXPOSNAP_REQUEST_TIMEOUT_MS", "30000", "how long a capture request stays pending"},
	{"EXPOSNAP_REQUEST_RETENTION_MS", "60000", "how long requests are remembered"},
	{"EXPOSNAP_REQUIRE_PEER", "false", "reject captures when no peer is polling"},
	{"EXPOSNAP_PEER_WINDOW_MS", "15000", "poll recency that counts as a reachable peer"},
	{"EXPOSNAP_JOURNAL_DIR", "./journal", "request journal directory; empty disables"},
	{"EXPOSNAP_NOTIFY_URL", "", "webhook receiving capture and timeout notices"},
	{"EXPOSNAP_LOG_LEVEL", "info", "debug, info, warn or error"},
	{"EXPOSNAP_LOG_FILE", "logs/exposnap.log", "rotating log file"},
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	loadDotEnv()

	cfg := &ServerConfig{
		BindHost:         getEnvOrDefault("EXPOSNAP_BIND_HOST", "0.0.0.0"),
		Port:             getEnvIntOrDefault("EXPOSNAP_PORT", 3333),
		PortAutoFallback: getEnvBoolOrDefault("EXPOSNAP_PORT_AUTO_FALLBACK", true),
		ScreenshotsDir:   getEnvOrDefault("EXPOSNAP_SCREENSHOTS_DIR", "./screenshots"),
		MaxScreenshots:   getEnvIntOrDefault("EXPOSNAP_MAX_SCREENSHOTS", 10),
		RequestTimeout:   getEnvMillisOrDefault("EXPOSNAP_REQUEST_TIMEOUT_MS", 30*time.Second),
		RequestRetention: getEnvMillisOrDefault("EXPOSNAP_REQUEST_RETENTION_MS", 60*time.Second),
		RequirePeer:      getEnvBoolOrDefault("EXPOSNAP_REQUIRE_PEER", false),
		PeerWindow:       getEnvMillisOrDefault("EXPOSNAP_PEER_WINDOW_MS", 15*time.Second),
		JournalDir:       getEnvOrDefault("EXPOSNAP_JOURNAL_DIR", "./journal"),
		NotifyURL:        getEnvOrDefault("EXPOSNAP_NOTIFY_URL", ""),
		LogLevel:         logLevel("EXPOSNAP_LOG_LEVEL"),
		LogFile:          getEnvOrDefault("EXPOSNAP_LOG_FILE", "logs/exposnap.log"),
	}
	if cfg.MaxScreenshots < 1 {
		cfg.MaxScreenshots = 1
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("EXPOSNAP_PORT out of range: %d", cfg.Port)
	}
	if cfg.RequestRetention < cfg.RequestTimeout {
		return nil, fmt.Errorf("EXPOSNAP_REQUEST_RETENTION_MS (%s) must not be shorter than EXPOSNAP_REQUEST_TIMEOUT_MS (%s)", cfg.RequestRetention, cfg.RequestTimeout)
	}
	return cfg, nil
}

// BindAddr returns host:port as configured.
func (c *ServerConfig) BindAddr() string {
	return c.BindHost + ":" + strconv.Itoa(c.Port)
}
