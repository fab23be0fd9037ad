package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_EnabledShutsDown(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{
		Enabled:        true,
		Endpoint:       "http://127.0.0.1:1/v1/traces",
		Timeout:        100 * time.Millisecond,
		ServiceVersion: "test",
	}, func(error) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestExporterOptions_Compression(t *testing.T) {
	for _, c := range []string{"", "gzip", "none"} {
		if _, err := exporterOptions(Config{Compression: c}); err != nil {
			t.Fatalf("compression %q: %v", c, err)
		}
	}
	if _, err := exporterOptions(Config{Compression: "zstd"}); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestBuildTLSConfig_None(t *testing.T) {
	cfg, err := buildTLSConfig(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %#v", cfg)
	}
}

func TestBuildTLSConfig_MissingCAFile(t *testing.T) {
	_, err := buildTLSConfig(Config{CAFile: filepath.Join(t.TempDir(), "missing-ca.pem")})
	if err == nil {
		t.Fatalf("expected error for missing ca file")
	}
}

func TestBuildTLSConfig_InvalidCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := buildTLSConfig(Config{CAFile: path}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildTLSConfig_ServerName(t *testing.T) {
	cfg, err := buildTLSConfig(Config{ServerName: "otel.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.ServerName != "otel.example.com" {
		t.Fatalf("unexpected config %#v", cfg)
	}
}

func TestWrapHandler(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	if h := WrapHandler(false, "api", inner); h == nil {
		t.Fatalf("expected handler")
	}

	rr := httptest.NewRecorder()
	WrapHandler(true, "api", inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d", rr.Code)
	}
}
