package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/exposnap/internal/browser"
	"github.com/dgnsrekt/exposnap/internal/cdp"
	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/dgnsrekt/exposnap/internal/config"
	"github.com/dgnsrekt/exposnap/internal/discovery"
	"github.com/dgnsrekt/exposnap/internal/peer"
	"github.com/dgnsrekt/exposnap/internal/poller"
	"github.com/dgnsrekt/exposnap/internal/session"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if config.WantsHelp(os.Args[1:]) {
		config.PrintUsage(os.Stdout, "exposnap-peer", "Polls an exposnap server and answers capture requests with a page screenshot.\nSIGUSR1 pauses polling, SIGUSR2 resumes it, SIGHUP polls immediately.", config.PeerVars)
		return
	}

	cfg, err := config.LoadPeer()
	if err != nil {
		slog.Error("failed to load peer config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("peer config loaded",
		"server_url", cfg.ServerURL,
		"server_port", cfg.ServerPort,
		"scan_config", cfg.ScanConfigPath,
		"poll_interval", cfg.PollInterval,
		"rediscover_every", cfg.RediscoverEvery,
		"cdp_url", cfg.CDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.AppURL,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	scanCfg := discovery.DefaultConfig()
	if cfg.ScanConfigPath != "" {
		scanCfg, err = discovery.LoadConfig(cfg.ScanConfigPath)
		if err != nil {
			slog.Error("failed to load scan config", "path", cfg.ScanConfigPath, "error", err)
			os.Exit(1)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	scanner := discovery.NewScanner(scanCfg, discovery.HTTPProber{HTTP: &http.Client{}})
	machine := session.New(cfg.ServerURL, scanner, session.PingProber{HTTP: httpClient}, session.WithPort(cfg.ServerPort))

	capturer := cdp.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.CaptureTimeout)
	defer func() { _ = capturer.Close() }()
	if err := capturer.Connect(ctx); err != nil {
		slog.Warn("no tab attached yet, retrying on first capture", "error", err)
	}

	agent := peer.New(peer.Config{
		Poller:     poller.DefaultConfig(cfg.PollInterval),
		Rediscover: cfg.RediscoverEvery,
	}, machine, capturer, httpClient, clock.Real())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			slog.Info("polling paused")
			agent.SetForeground(false)
			continue
		case syscall.SIGUSR2:
			slog.Info("polling resumed")
			agent.SetForeground(true)
			continue
		case syscall.SIGHUP:
			go agent.Trigger()
			continue
		}
		break
	}

	slog.Info("peer shutting down", "status", agent.Status())
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("peer shutdown timed out")
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
