// Package logger provides the process-wide structured logger used by every
// package in this module. Call sites use the chained zerolog style:
// logger.Log.Debug().Str("auction", id).Msg("tick started").
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the shared logger instance.
var Log zerolog.Logger

func init() {
	Log = New(os.Stdout, "info")
}

// New builds a zerolog.Logger writing to w at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info"). Output
// is always JSON lines; the constructor does not detect terminals —
// callers wanting color output wrap w themselves with zerolog.ConsoleWriter.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// SetLevel adjusts the shared logger's minimum level at runtime.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	Log = Log.Level(lvl)
}
