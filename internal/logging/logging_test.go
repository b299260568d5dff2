package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var linePattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} - [\w.-]+ - (DEBUG|INFO|WARNING|ERROR) - .+$`)

func TestHandlerLineFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))

	logger.Info("download starts", "illust_id", 123, "pages", 3)

	line := strings.TrimRight(buf.String(), "\n")
	if !linePattern.MatchString(line) {
		t.Fatalf("line does not match audit layout: %q", line)
	}
	if !strings.Contains(line, " - pixiv-backup - INFO - download starts illust_id=123 pages=3") {
		t.Errorf("unexpected line body: %q", line)
	}
}

func TestNamedLoggerOverridesName(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, slog.LevelInfo))

	base.With("logger", ActionLogger).Info(Event("login", "source", "web", "status", "ok"))

	line := buf.String()
	if !strings.Contains(line, " - "+ActionLogger+" - INFO - event=login source=web status=ok") {
		t.Errorf("action logger name not applied: %q", line)
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelWarn)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should pass at warn level")
	}
}

func TestEventNormalization(t *testing.T) {
	t.Parallel()

	got := Event("scan_error", "source", "bookmarks", "error", "line one\nline\ttwo", "detail", "")
	want := "event=scan_error source=bookmarks error=line one line two detail=-"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDailyWriterCreatesDatedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewDailyWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	name := FilePrefix + time.Now().Format("20060102") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Errorf("unexpected file content: %q", data)
	}
}
