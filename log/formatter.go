package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	gethlog "github.com/ethereum/go-ethereum/log"
)

// Supported output formats.
const (
	FormatJSON     = "json"
	FormatTerminal = "terminal"
	FormatLogfmt   = "logfmt"
)

// LevelFromString parses a log level name. The match is case-insensitive.
// Unrecognised names return an error.
func LevelFromString(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return gethlog.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "crit", "critical":
		return gethlog.LevelCrit, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log: unknown level %q", s)
	}
}

// NewHandler returns a slog.Handler writing the given format to w.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return gethlog.JSONHandlerWithLevel(w, level), nil
	case FormatTerminal:
		return gethlog.NewTerminalHandlerWithLevel(w, level, false), nil
	case FormatLogfmt:
		return gethlog.LogfmtHandlerWithLevel(w, level), nil
	default:
		return nil, fmt.Errorf("log: unknown format %q", format)
	}
}
