// README: Structured JSON logging shared by all binaries.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// New builds a JSON logger writing to stdout. level is one of debug, info,
// warn, error (case-insensitive); anything else falls back to info.
func New(level string) *slog.Logger {
	lv := new(slog.LevelVar)
	switch strings.ToLower(level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.Attr{Key: "timestamp", Value: slog.StringValue(t.UTC().Format(time.RFC3339))}
				}
			}
			return a
		},
	})

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return slog.New(handler).With("hostname", host)
}
