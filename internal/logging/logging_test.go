package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestOpenSink(t *testing.T) {
	if w, c, err := OpenSink("", ""); err != nil || w != os.Stderr || c != nil {
		t.Fatalf("default sink: w=%v c=%v err=%v", w, c, err)
	}
	if w, _, err := OpenSink("stdout", ""); err != nil || w != os.Stdout {
		t.Fatalf("stdout sink: w=%v err=%v", w, err)
	}
	if _, _, err := OpenSink("file", " "); err == nil {
		t.Fatalf("expected error for file sink without path")
	}
	if _, _, err := OpenSink("syslog", ""); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

func TestNew_FileSinkAndLevelVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestq.log")
	logger, level, closer, err := New("warn", "file", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer == nil {
		t.Fatalf("expected closer for file sink")
	}

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	level.Set(slog.LevelDebug)
	logger.Debug("now_visible")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d, want 2: %s", len(lines), raw)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if !strings.Contains(lines[1], `"now_visible"`) {
		t.Fatalf("expected debug record after level change: %s", lines[1])
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, _, _, err := New("loud", "stderr", ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo)

	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/queues/jobs/peek", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "api_request" {
		t.Fatalf("msg=%v", rec["msg"])
	}
	if rec["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status attr=%v", rec["status"])
	}
	if rec["bytes"] != float64(len("short and stout")) {
		t.Fatalf("bytes attr=%v", rec["bytes"])
	}
	if rec["path"] != "/queues/jobs/peek" {
		t.Fatalf("path attr=%v", rec["path"])
	}
	if rec["queue"] != "jobs" || rec["op"] != "peek" {
		t.Fatalf("queue/op attrs=%v/%v", rec["queue"], rec["op"])
	}
	if rec["level"] != "INFO" {
		t.Fatalf("level=%v", rec["level"])
	}
}

func TestAccessLog_ServerErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	h := AccessLog(NewWithWriter(&buf, slog.LevelInfo), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/queues/jobs/dequeue", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["level"] != "WARN" || rec["status"] != float64(http.StatusServiceUnavailable) {
		t.Fatalf("record=%v", rec)
	}
}

func TestAccessLog_DefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	h := AccessLog(NewWithWriter(&buf, slog.LevelInfo), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(buf.String(), `"status":200`) {
		t.Fatalf("expected status 200 in %s", buf.String())
	}
	if strings.Contains(buf.String(), `"queue"`) {
		t.Fatalf("healthz should carry no queue attr: %s", buf.String())
	}
}
