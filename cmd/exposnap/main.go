package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dgnsrekt/exposnap/internal/api"
	"github.com/dgnsrekt/exposnap/internal/clock"
	"github.com/dgnsrekt/exposnap/internal/config"
	"github.com/dgnsrekt/exposnap/internal/controller"
	"github.com/dgnsrekt/exposnap/internal/events"
	"github.com/dgnsrekt/exposnap/internal/netutil"
	"github.com/dgnsrekt/exposnap/internal/notify"
	"github.com/dgnsrekt/exposnap/internal/requests"
	"github.com/dgnsrekt/exposnap/internal/snapshot"
	"github.com/dgnsrekt/exposnap/internal/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

func main() {
	if config.WantsHelp(os.Args[1:]) {
		config.PrintUsage(os.Stdout, "exposnap", "Screenshot relay between an operator and a polling app.", config.ServerVars)
		return
	}

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load server config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("server config loaded",
		"bind_addr", cfg.BindAddr(),
		"port_auto_fallback", cfg.PortAutoFallback,
		"screenshots_dir", cfg.ScreenshotsDir,
		"max_screenshots", cfg.MaxScreenshots,
		"request_timeout", cfg.RequestTimeout,
		"request_retention", cfg.RequestRetention,
		"require_peer", cfg.RequirePeer,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	clk := clock.Real()
	ev := events.NewBroker()
	presence := controller.NewPresence(cfg.PeerWindow, clk)

	var journal controller.Journal
	if cfg.JournalDir != "" {
		w := storage.NewJSONLWriter(cfg.JournalDir, "requests", 256, 10)
		defer func() { _ = w.Close() }()
		journal = w
	}

	opts := []requests.Option{
		requests.WithClock(clk),
		requests.WithTimeout(cfg.RequestTimeout),
		requests.WithRetention(cfg.RequestRetention),
		requests.WithObserver(controller.RequestObserver(ev, journal)),
	}
	if cfg.RequirePeer {
		opts = append(opts, requests.WithGate(presence.Reachable))
	}
	broker := requests.NewBroker(opts...)

	snaps, err := snapshot.NewStore(cfg.ScreenshotsDir, cfg.MaxScreenshots)
	if err != nil {
		slog.Error("failed to open screenshot store", "dir", cfg.ScreenshotsDir, "error", err)
		os.Exit(1)
	}

	svc := controller.NewService(broker, snaps, presence, ev, cfg.RequestTimeout)

	ln, err := netutil.Listen(cfg.BindHost, cfg.Port, cfg.PortAutoFallback, netutil.DefaultFallbackAttempts)
	if err != nil {
		slog.Error("failed to bind", "addr", cfg.BindAddr(), "error", err)
		os.Exit(1)
	}
	port := netutil.Port(ln)

	h := api.NewServer(svc, api.Identity{Version: version, Port: port})
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if url := cfg.NotifyURL; url != "" {
		go notify.Forward(ctx, ev, &http.Client{Timeout: 10 * time.Second}, url)
		slog.Info("forwarding notifications", "endpoint", url)
	}

	go func() {
		slog.Info("server listening", "addr", ln.Addr().String(), "docs", "http://localhost:"+strconv.Itoa(port)+"/docs")
		for _, ip := range netutil.LocalIPv4s() {
			slog.Info("reachable on LAN", "url", "http://"+ip+":"+strconv.Itoa(port))
		}
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
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
