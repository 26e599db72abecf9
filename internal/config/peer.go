package config

import (
	"fmt"
	"strconv"
	"time"
)

// PeerConfig holds settings for the exposnap peer.
type PeerConfig struct {
	ServerURL         string
	ServerPort        int
	ScanConfigPath    string
	PollInterval      time.Duration
	RediscoverEvery   time.Duration
	CDPAddress        string
	CDPPort           int
	TabURLFilter      string
	CaptureTimeout    time.Duration
	LaunchBrowser     bool
	AppURL            string
	BrowserHeadless   bool
	BrowserProfileDir string
	LogLevel          string
	LogFile           string
}

// PeerVars lists the variables read by LoadPeer.
var PeerVars = []Var{
	{"EXPOSNAP_SERVER_URL", "", "pin the server instead of scanning the LAN"},
	{"EXPOSNAP_PORT", "3333", "server port to scan for"},
	{"EXPOSNAP_SCAN_CONFIG", "", "YAML file overriding the scan layout"},
	{"EXPOSNAP_POLL_INTERVAL_MS", "2000", "base poll interval"},
	{"EXPOSNAP_REDISCOVER_MS", "10000", "retry delay while no server is connected"},
	{"CHROMIUM_CDP_ADDRESS", "127.0.0.1", "Chromium remote debugging host"},
	{"CHROMIUM_CDP_PORT", "9220", "Chromium remote debugging port"},
	{"EXPOSNAP_TAB_URL_FILTER", "localhost:8081", "substring of the tab URL to capture"},
	{"EXPOSNAP_CAPTURE_TIMEOUT_MS", "15000", "deadline for one page capture"},
	{"EXPOSNAP_LAUNCH_BROWSER", "false", "start a local Chromium on the CDP port"},
	{"EXPOSNAP_APP_URL", "http://localhost:8081", "page opened by the launched browser"},
	{"EXPOSNAP_BROWSER_HEADLESS", "true", "run the launched browser headless"},
	{"EXPOSNAP_BROWSER_PROFILE_DIR", "./browser-profile", "profile directory of the launched browser"},
	{"EXPOSNAP_PEER_LOG_LEVEL", "info", "debug, info, warn or error"},
	{"EXPOSNAP_PEER_LOG_FILE", "logs/exposnap-peer.log", "rotating log file"},
}

// LoadPeer reads peer configuration from environment variables.
func LoadPeer() (*PeerConfig, error) {
	loadDotEnv()

	cfg := &PeerConfig{
		ServerURL:         getEnvOrDefault("EXPOSNAP_SERVER_URL", ""),
		ServerPort:        getEnvIntOrDefault("EXPOSNAP_PORT", 3333),
		ScanConfigPath:    getEnvOrDefault("EXPOSNAP_SCAN_CONFIG", ""),
		PollInterval:      getEnvMillisOrDefault("EXPOSNAP_POLL_INTERVAL_MS", 2*time.Second),
		RediscoverEvery:   getEnvMillisOrDefault("EXPOSNAP_REDISCOVER_MS", 10*time.Second),
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:      getEnvOrDefault("EXPOSNAP_TAB_URL_FILTER", "localhost:8081"),
		CaptureTimeout:    getEnvMillisOrDefault("EXPOSNAP_CAPTURE_TIMEOUT_MS", 15*time.Second),
		LaunchBrowser:     getEnvBoolOrDefault("EXPOSNAP_LAUNCH_BROWSER", false),
		AppURL:            getEnvOrDefault("EXPOSNAP_APP_URL", "http://localhost:8081"),
		BrowserHeadless:   getEnvBoolOrDefault("EXPOSNAP_BROWSER_HEADLESS", true),
		BrowserProfileDir: getEnvOrDefault("EXPOSNAP_BROWSER_PROFILE_DIR", "./browser-profile"),
		LogLevel:          logLevel("EXPOSNAP_PEER_LOG_LEVEL"),
		LogFile:           getEnvOrDefault("EXPOSNAP_PEER_LOG_FILE", "logs/exposnap-peer.log"),
	}
	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("EXPOSNAP_PORT out of range: %d", cfg.ServerPort)
	}
	if cfg.RediscoverEvery < time.Second {
		cfg.RediscoverEvery = time.Second
	}
	if cfg.PollInterval < 250*time.Millisecond {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return cfg, nil
}

// CDPURL returns the Chromium DevTools HTTP endpoint.
func (c *PeerConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}
