package cmn

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Every component derives a
// child logger from it via WithComponent so fields compose instead of
// being re-specified at each call site.
var Logger zerolog.Logger

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogConfig struct {
	Level  LogLevel
	JSON   bool
	Output io.Writer
}

// InitLogging configures the global logger. Called once from each
// entry point (cmd/librarian, cmd/librarianctl) — never lazily, so
// there is no hidden global mutation mid-run.
func InitLogging(cfg LogConfig) {
	var level zerolog.Level
	switch cfg.Level {
	case LogDebug:
		level = zerolog.DebugLevel
	case LogWarn:
		level = zerolog.WarnLevel
	case LogError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning
// component (e.g. "catalog", "scheduler", "store.posix").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask returns a child logger tagged with a running task
// instance's kind and name, per §7's required structured context.
func WithTask(log zerolog.Logger, kind, name string) zerolog.Logger {
	return log.With().Str("task_kind", kind).Str("task_name", name).Logger()
}

// WithTransfer tags a transfer id and direction.
func WithTransfer(log zerolog.Logger, id int64, direction string) zerolog.Logger {
	return log.With().Int64("transfer_id", id).Str("direction", direction).Logger()
}

// WithFile tags a file name and origin librarian.
func WithFile(log zerolog.Logger, name, origin string) zerolog.Logger {
	return log.With().Str("file", name).Str("origin", origin).Logger()
}

// WithPeer tags the remote librarian name involved in an RPC.
func WithPeer(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("peer", name).Logger()
}
