// Package browser starts a local Chromium for the peer to render the app in.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	Headless   bool
	WindowSize string
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg     Config
	cmd     *exec.Cmd
	running bool
}

// NewLauncher creates a new browser launcher with the given config. The
// default window matches a phone viewport.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "430,932"
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", candidates)
}

func (l *Launcher) cdpHostPort() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// portInUse checks whether the CDP port is already listening.
func (l *Launcher) portInUse() bool {
	conn, err := net.DialTimeout("tcp", l.cdpHostPort(), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Args returns the command line passed to the browser.
func (l *Launcher) Args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--window-size=" + l.cfg.WindowSize,
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars")
	}
	return append(args, l.cfg.StartURL)
}

// Launch starts the browser unless something already serves the CDP port,
// then waits for the DevTools endpoint.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.portInUse() {
		slog.Info("browser already running, skipping launch", "cdp", l.cdpHostPort())
		return nil
	}

	browserPath, err := detectBrowser()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(browserPath, l.Args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "path", browserPath, "pid", l.cmd.Process.Pid, "headless", l.cfg.Headless, "url", l.cfg.StartURL)

	if err := WaitForCDP(ctx, "http://"+l.cdpHostPort(), 15*time.Second); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "cdp", l.cdpHostPort())
	return nil
}

// WaitForCDP polls <cdpURL>/json/version until it answers 200.
func WaitForCDP(ctx context.Context, cdpURL string, timeout time.Duration) error {
	url := cdpURL + "/json/version"
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", timeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop terminates the browser process with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.running = false
}
