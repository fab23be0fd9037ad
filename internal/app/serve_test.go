package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nuetzliches/ingestq/internal/config"
	"github.com/nuetzliches/ingestq/internal/logging"
	"github.com/nuetzliches/ingestq/internal/queue"
	"github.com/nuetzliches/ingestq/internal/secrets"
)

func TestStartHTTPServer_ServesQueueAPIWithRotatingTokens(t *testing.T) {
	cfg := config.Default()
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.AccessLog = false
	m := queue.NewManager(queue.NewMemoryStore())

	tokens := &tokenGate{now: time.Now}
	tokens.store(secrets.Set{Versions: []secrets.Version{{ID: "a", Value: []byte("old")}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, addr, err := startHTTPServer(&cfg, m, tokens, logging.Discard(), cancel)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	enqueue := func(token string) int {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/queues/inbox/enqueue",
			bytes.NewReader([]byte(`{"id":"a","payload_b64":"aGk="}`)))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if got := enqueue(""); got != http.StatusUnauthorized {
		t.Fatalf("no token: got=%d, want 401", got)
	}
	if got := enqueue("old"); got != http.StatusOK {
		t.Fatalf("old token: got=%d, want 200", got)
	}

	tokens.store(secrets.Set{Versions: []secrets.Version{{ID: "b", Value: []byte("new")}}})
	if got := enqueue("old"); got != http.StatusUnauthorized {
		t.Fatalf("rotated-out token: got=%d, want 401", got)
	}
	if got := enqueue("new"); got != http.StatusOK {
		t.Fatalf("new token: got=%d, want 200", got)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: got=%d, want 200", resp.StatusCode)
	}

	depth, err := m.Depth(ctx, "inbox")
	if err != nil || depth != 1 {
		t.Fatalf("depth=%d err=%v, want 1", depth, err)
	}
}

func TestReloadServeConfig_AppliesLevelAndTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestq.toml")
	if err := os.WriteFile(path, []byte("[store]\nbackend = \"memory\"\n[logging]\nlevel = \"error\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cc := newCommandContext(io.Discard, io.Discard)
	defer cc.close()
	cc.configPath = path
	running, err := cc.ensureConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	tokens := &tokenGate{now: time.Now}

	updated := "[store]\nbackend = \"memory\"\n[logging]\nlevel = \"debug\"\n" +
		"[[api.tokens]]\nid = \"t1\"\nref = \"raw:s3cret\"\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	next, ok := reloadServeConfig(cc, running, tokens, logging.Discard(), "test")
	if !ok {
		t.Fatalf("reload failed")
	}
	if got := cc.level.Level(); got != slog.LevelDebug {
		t.Fatalf("level=%v, want debug", got)
	}
	if got := tokens.load().Versions; len(got) != 1 || string(got[0].Value) != "s3cret" {
		t.Fatalf("tokens=%v", got)
	}
	if next.Logging.Level != "debug" {
		t.Fatalf("running level=%q", next.Logging.Level)
	}
}

func TestReloadServeConfig_KeepsRunningConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestq.toml")
	if err := os.WriteFile(path, []byte("[store]\nbackend = \"memory\"\n[logging]\nlevel = \"warn\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cc := newCommandContext(io.Discard, io.Discard)
	defer cc.close()
	cc.configPath = path
	running, err := cc.ensureConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	tokens := &tokenGate{now: time.Now}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"chatty\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := reloadServeConfig(cc, running, tokens, logging.Discard(), "test"); ok {
		t.Fatalf("expected reload to fail")
	}
	if got := cc.level.Level(); got != slog.LevelWarn {
		t.Fatalf("level=%v, want warn", got)
	}
}

func TestRestartRequired(t *testing.T) {
	base := config.Default()
	same := config.Default()
	if got := restartRequired(&base, &same); len(got) != 0 {
		t.Fatalf("unchanged config: %v", got)
	}

	next := config.Default()
	next.Store.Backend = config.BackendMemory
	next.Ingest.FanOut = []string{"a"}
	next.Tracing.Headers = map[string]string{"x": "y"}
	next.Logging.Level = "debug"
	got := restartRequired(&base, &next)
	want := []string{"store", "ingest", "tracing"}
	if !slices.Equal(got, want) {
		t.Fatalf("got=%v, want %v", got, want)
	}
}

func TestTokenGate_EmptySetAllowsAll(t *testing.T) {
	g := &tokenGate{now: time.Now}
	req, _ := http.NewRequest(http.MethodPost, "/queues/x/peek", nil)
	if !g.httpAuthorizer()(req) {
		t.Fatalf("unset gate should allow")
	}
	g.store(secrets.Set{Versions: []secrets.Version{{ID: "a", Value: []byte("tok")}}})
	if g.httpAuthorizer()(req) {
		t.Fatalf("missing token should be rejected")
	}
	if g.grpcAuthorizer()(context.Background()) {
		t.Fatalf("grpc without metadata should be rejected")
	}
}
