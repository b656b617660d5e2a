// Package log provides structured logging for HiDRA using zerolog, with
// optional size-based log file rotation for the --log-path/--log-size CLI
// flags.
package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log severity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, matching the sender CLI's
// --log-path, --log-name, --log-size, --verbose and --onscreen flags.
type Config struct {
	Level Level

	// OnscreenLevel, if non-empty while file logging (LogPath) is active,
	// additionally mirrors every record that passes Level to stderr; the
	// mirror applies no level filter of its own.
	OnscreenLevel Level

	// LogPath/LogName, when both set, write JSON logs to
	// filepath.Join(LogPath, LogName) with rotation at LogSizeMB.
	LogPath   string
	LogName   string
	LogSizeMB int

	// Output overrides the destination entirely (used by tests); when
	// set, LogPath/LogName are ignored.
	Output io.Writer
}

// Init initializes the global logger from cfg.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer
	switch {
	case cfg.Output != nil:
		writers = append(writers, cfg.Output)
	case cfg.LogPath != "" && cfg.LogName != "":
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogPath, cfg.LogName),
			MaxSize:    maxOr(cfg.LogSizeMB, 100),
			MaxBackups: 10,
			Compress:   true,
		})
	default:
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	if cfg.OnscreenLevel != "" && cfg.Output == nil && cfg.LogPath != "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel, "warning":
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel, "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// WithComponent creates a child logger tagged with a component name, e.g.
// "signalhandler", "taskprovider", "dispatcher[0/4]", "cleaner".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithFileID creates a child logger tagged with a file identifier.
func WithFileID(fileID string) zerolog.Logger {
	return Logger.With().Str("file_id", fileID).Logger()
}

// WithEndpoint creates a child logger tagged with a consumer endpoint.
func WithEndpoint(endpoint string) zerolog.Logger {
	return Logger.With().Str("endpoint", endpoint).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func init() {
	// Safe default so packages that log before Init() (e.g. flag parsing
	// errors) still produce output.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
