// Package config loads the server and peer settings from the environment
// and an optional .env file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Var documents one environment variable for -h output.
type Var struct {
	Name    string
	Default string
	Usage   string
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// PrintUsage writes a help screen for a binary.
func PrintUsage(w io.Writer, binary, summary string, vars []Var) {
	fmt.Fprintf(w, "%s - %s\n\nUsage: %s [-h|--help]\n\nEnvironment (also read from ./.env):\n", binary, summary, binary)
	width := 0
	for _, v := range vars {
		if len(v.Name) > width {
			width = len(v.Name)
		}
	}
	for _, v := range vars {
		def := v.Default
		if def == "" {
			def = "unset"
		}
		fmt.Fprintf(w, "  %-*s  %s (default: %s)\n", width, v.Name, v.Usage, def)
	}
}

// WantsHelp reports whether args ask for the help screen.
func WantsHelp(args []string) bool {
	for _, a := range args {
		switch a {
		case "-h", "--help", "-help", "help":
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillisOrDefault(key string, defaultVal time.Duration) time.Duration {
	ms := getEnvIntOrDefault(key, int(defaultVal/time.Millisecond))
	if ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

func logLevel(key string) string {
	level := strings.ToLower(getEnvOrDefault(key, "info"))
	switch level {
	case "debug", "info", "warn", "error":
		return level
	default:
		return "info"
	}
}
