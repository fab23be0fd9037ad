package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv_SetsVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	data := []byte(`
# comment
INGESTQ_API_TOKEN=devtoken
export INGESTQ_PG_DSN="postgres://dev@localhost/ingestq"
SINGLE='a b'
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("INGESTQ_API_TOKEN", "")
	t.Setenv("INGESTQ_PG_DSN", "")
	t.Setenv("SINGLE", "")
	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}

	if got := os.Getenv("INGESTQ_API_TOKEN"); got != "devtoken" {
		t.Fatalf("INGESTQ_API_TOKEN=%q, want devtoken", got)
	}
	if got := os.Getenv("INGESTQ_PG_DSN"); got != "postgres://dev@localhost/ingestq" {
		t.Fatalf("INGESTQ_PG_DSN=%q", got)
	}
	if got := os.Getenv("SINGLE"); got != "a b" {
		t.Fatalf("SINGLE=%q, want 'a b'", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INGESTQ_API_TOKEN=devtoken\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("INGESTQ_API_TOKEN", "prodtoken")
	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("INGESTQ_API_TOKEN"); got != "prodtoken" {
		t.Fatalf("INGESTQ_API_TOKEN=%q, want prodtoken", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NOEQUALS\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := LoadDotenv(path); err == nil {
		t.Fatalf("expected error")
	}
}
