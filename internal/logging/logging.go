package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tune the process logger
type Options struct {
	Level string // debug, info, warn or error
	File  string // Optional path rotated by lumberjack in addition to stdout
}

// Setup configures the default slog logger to emit JSON with the service name and
// environment on every line, and returns it for explicit injection.
func Setup(service, env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if file := strings.TrimSpace(opts.File); file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
