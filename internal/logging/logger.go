package logging

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/apex-daemon/apexd/internal/core"
)

// Config controls logger construction.
type Config struct {
	Level     string
	Format    string // json, text, pretty, auto
	Output    string // path, or "" / "stderr" / "stdout"
	AddSource bool
}

// DefaultConfig returns info/auto/stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "auto", Output: "stderr"}
}

// Logger wraps *slog.Logger with a Sanitizer and daemon-specific field
// helpers (task/stage/workflow scoping).
type Logger struct {
	slog      *slog.Logger
	sanitizer *Sanitizer
}

// New constructs a Logger from cfg. Format "auto" resolves to "pretty" when
// Output is a TTY, else "json".
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	format := cfg.Format
	if format == "" || format == "auto" {
		if isTerminal(out) {
			format = "pretty"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	switch format {
	case "pretty":
		handler = NewPrettyHandler(out, level)
	case "text":
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	default:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	}

	sanitizer := NewSanitizer()
	handler = NewSanitizingHandler(handler, sanitizer)

	return &Logger{slog: slog.New(handler), sanitizer: sanitizer}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})), sanitizer: NewSanitizer()}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Slog returns the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Sanitizer exposes the logger's redaction engine for callers that need to
// scrub a string before embedding it elsewhere (e.g. an event payload).
func (l *Logger) Sanitizer() *Sanitizer {
	return l.sanitizer
}

// WithContext attaches a context (reserved for future trace-id propagation).
func (l *Logger) WithContext(_ context.Context) *Logger {
	return l
}

// WithTask scopes subsequent log calls to a task id.
func (l *Logger) WithTask(id core.TaskID) *Logger {
	return &Logger{slog: l.slog.With("taskId", string(id)), sanitizer: l.sanitizer}
}

// WithStage scopes subsequent log calls to a workflow stage.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{slog: l.slog.With("stage", stage), sanitizer: l.sanitizer}
}

// WithWorkflow scopes subsequent log calls to a workflow name.
func (l *Logger) WithWorkflow(name string) *Logger {
	return &Logger{slog: l.slog.With("workflow", name), sanitizer: l.sanitizer}
}

// WithAgent scopes subsequent log calls to an agent name.
func (l *Logger) WithAgent(name string) *Logger {
	return &Logger{slog: l.slog.With("agent", name), sanitizer: l.sanitizer}
}

// With attaches arbitrary structured fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), sanitizer: l.sanitizer}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }
