// Package logging writes the append-only audit log.
//
// Lines use the `TS - logger - LEVEL - message` layout so the log follower
// and the web UI can parse entries without configuration. External-action
// events carry the reserved ActionLogger name and an `event=…` message, so
// downstream tooling can filter on the logger name alone.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ActionLogger is the reserved logger name for external-action events.
const ActionLogger = "pixiv-backup.action"

// defaultLogger is the logger name used when none is bound.
const defaultLogger = "pixiv-backup"

// FilePrefix is the audit log file name prefix; the full name is
// FilePrefix + YYYYMMDD + ".log".
const FilePrefix = "pixiv-backup-"

// ParseLevel maps a configuration string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.New("invalid log level: " + s)
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Handler renders slog records into the audit line layout.
type Handler struct {
	out    io.Writer
	level  slog.Level
	logger string
	attrs  []slog.Attr
}

// NewHandler creates a Handler writing to out. The writer must be safe for
// concurrent use; DailyWriter is.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{out: out, level: level, logger: defaultLogger}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		if a.Key == "logger" {
			return true
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(normalizeValue(a.Value.String()))
		return true
	}
	name := h.logger
	for _, a := range h.attrs {
		if a.Key == "logger" {
			name = a.Value.String()
			continue
		}
		writeAttr(a)
	}
	r.Attrs(writeAttr)

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s - %s - %s - %s\n",
		ts.Format("2006-01-02 15:04:05,000"), name, levelName(r.Level), b.String())
	_, err := io.WriteString(h.out, line)
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "logger" {
			clone.logger = a.Value.String()
		}
	}
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened; the audit format
// is a single level of key=value tokens.
func (h *Handler) WithGroup(string) slog.Handler {
	return h
}

// DailyWriter appends to `<dir>/pixiv-backup-YYYYMMDD.log`, switching files
// at local midnight.
type DailyWriter struct {
	mu  sync.Mutex
	dir string
	day string
	f   *os.File
}

// NewDailyWriter creates the log directory and returns a writer for it.
func NewDailyWriter(dir string) (*DailyWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "logging.NewDailyWriter")
	}
	return &DailyWriter{dir: dir}, nil
}

// Write implements io.Writer.
func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("20060102")
	if w.f == nil || day != w.day {
		if w.f != nil {
			_ = w.f.Close()
		}
		name := filepath.Join(w.dir, FilePrefix+day+".log")
		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // #nosec G304 - name is built from the configured log dir
		if err != nil {
			return 0, err
		}
		w.f = f
		w.day = day
	}
	return w.f.Write(p)
}

// Close closes the current day's file.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// CurrentPath returns the path of today's log file.
func CurrentPath(dir string) string {
	return filepath.Join(dir, FilePrefix+time.Now().Format("20060102")+".log")
}

// Setup installs the audit handler as the process default logger, fanning
// out to the per-day file and stderr.
func Setup(dir string, level slog.Level) (*DailyWriter, error) {
	w, err := NewDailyWriter(dir)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(NewHandler(io.MultiWriter(w, os.Stderr), level)))
	return w, nil
}

// Named returns a logger bound to the given logger name.
func Named(name string) *slog.Logger {
	return slog.Default().With("logger", name)
}

// normalizeValue folds a value into a single whitespace-free token stream
// so event lines stay one-per-line and machine-splittable.
func normalizeValue(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return "-"
	}
	return v
}

// Event formats a structured audit event message. Fields are alternating
// key, value pairs appended after the event token.
func Event(event string, fields ...any) string {
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(normalizeValue(event))
	for i := 0; i+1 < len(fields); i += 2 {
		b.WriteByte(' ')
		b.WriteString(normalizeValue(fmt.Sprint(fields[i])))
		b.WriteByte('=')
		b.WriteString(normalizeValue(fmt.Sprint(fields[i+1])))
	}
	return b.String()
}
