package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

var logger *slog.Logger

func init() {
	logger = slog.New(newHandler(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
	slog.SetDefault(logger)
}

// newHandler builds the slog handler from LOG_LEVEL and LOG_FORMAT
func newHandler(levelName, format string) slog.Handler {
	var level slog.Level
	switch strings.ToUpper(levelName) {
	case "ERROR":
		level = slog.LevelError
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "DEBUG":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}

	if strings.ToUpper(format) == "JSON" {
		// Production: structured JSON logs
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{
						Key:   "timestamp",
						Value: slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano)),
					}
				}
				return a
			},
		})
	}

	// Development: human-readable text logs
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   slog.TimeKey,
					Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.000-07:00")),
				}
			}
			return a
		},
	})
}

func Logf(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

// logWithFields emits message at level with a component attribute and the given fields
func logWithFields(level slog.Level, component, message string, fields map[string]any) {
	if !logger.Enabled(context.Background(), level) {
		return
	}
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	logger.Log(context.Background(), level, message, args...)
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelInfo, component, message, fields)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelDebug, component, message, fields)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelWarn, component, message, fields)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	logWithFields(slog.LevelError, component, message, fields)
}
