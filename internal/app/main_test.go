package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

type cliEnv struct {
	t      *testing.T
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ingestq.toml")
	cfg := fmt.Sprintf(`
[store]
backend = "sqlite"
sqlite_path = %q

[queues]
default = "inbox"

[ingest]
lock_dir = %q

[consume]
poll_interval = "10ms"
max_poll_interval = "20ms"

[logging]
level = "error"
`, filepath.ToSlash(filepath.Join(dir, "data", "q.db")), filepath.ToSlash(filepath.Join(dir, "locks")))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliEnv{t: t, dir: dir, config: cfgPath}
}

func (e *cliEnv) run(args ...string) (int, string, string) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", e.config}, args...)
	code := execute(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) mustRun(args ...string) []map[string]any {
	e.t.Helper()
	code, out, errOut := e.run(args...)
	if code != 0 {
		e.t.Fatalf("%v: exit=%d stderr=%s", args, code, errOut)
	}
	return decodeLines(e.t, out)
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestQueueEnqueueDequeueRoundTrip(t *testing.T) {
	env := newCLIEnv(t)

	rows := env.mustRun("queue", "enqueue", "--id", "a", "--payload", "first")
	if len(rows) != 1 || rows[0]["enqueued"] != true || rows[0]["queue"] != "inbox" {
		t.Fatalf("enqueue: %v", rows)
	}
	rows = env.mustRun("queue", "enqueue", "--id", "a", "--payload", "again")
	if rows[0]["enqueued"] != false {
		t.Fatalf("duplicate enqueue: %v", rows)
	}
	env.mustRun("queue", "enqueue", "--id", "b", "--payload", "second")

	rows = env.mustRun("queue", "status")
	if len(rows) != 1 || rows[0]["depth"] != float64(2) || rows[0]["has_messages"] != true {
		t.Fatalf("status: %v", rows)
	}

	rows = env.mustRun("queue", "peek")
	if len(rows) != 1 || rows[0]["id"] != "a" {
		t.Fatalf("peek: %v", rows)
	}

	rows = env.mustRun("queue", "dequeue", "--batch", "5")
	if len(rows) != 2 {
		t.Fatalf("dequeue: %v", rows)
	}
	if rows[0]["id"] != "a" || rows[0]["payload"] != "first" || rows[1]["id"] != "b" {
		t.Fatalf("dequeue order: %v", rows)
	}
	if rows[0]["sequence"].(float64) >= rows[1]["sequence"].(float64) {
		t.Fatalf("sequences not increasing: %v", rows)
	}

	rows = env.mustRun("queue", "dequeue")
	if len(rows) != 0 {
		t.Fatalf("empty dequeue printed %v", rows)
	}
}

func TestQueueEnqueueBinaryPayloadFromFile(t *testing.T) {
	env := newCLIEnv(t)
	p := filepath.Join(env.dir, "blob")
	if err := os.WriteFile(p, []byte{0xff, 0x00, 0xfe}, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	env.mustRun("queue", "enqueue", "-q", "bin", "--id", "x", "--payload-file", p)

	rows := env.mustRun("queue", "list", "-q", "bin")
	if len(rows) != 1 || rows[0]["payload_b64"] != "/wD+" {
		t.Fatalf("list: %v", rows)
	}
}

func TestQueuePurgeRequiresConfirmation(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("queue", "enqueue", "--id", "a")

	code, _, errOut := env.run("queue", "purge")
	if code != 2 {
		t.Fatalf("exit=%d, want 2 (stderr=%s)", code, errOut)
	}
	rows := env.mustRun("queue", "purge", "--yes")
	if rows[0]["purged"] != float64(1) {
		t.Fatalf("purge: %v", rows)
	}
	rows = env.mustRun("queue", "status", "inbox")
	if rows[0]["depth"] != float64(0) || rows[0]["last_sequence"] != float64(1) {
		t.Fatalf("status after purge: %v", rows)
	}
}

func TestQueueDeadLetterAndList(t *testing.T) {
	env := newCLIEnv(t)
	rows := env.mustRun("queue", "dead-letter", "--id", "m1", "--sequence", "7", "--payload", "body", "--reason", "boom")
	if rows[0]["moved"] != true || rows[0]["dead_letter"] != "inbox_dlq" {
		t.Fatalf("dead-letter: %v", rows)
	}

	rows = env.mustRun("queue", "list", "--dead-letters")
	if len(rows) != 1 {
		t.Fatalf("list: %v", rows)
	}
	if rows[0]["original_queue"] != "inbox" || rows[0]["id"] != "m1" || rows[0]["error"] != "boom" {
		t.Fatalf("dead letter document: %v", rows)
	}

	rows = env.mustRun("queue", "status")
	if rows[0]["dead_letter_depth"] != float64(1) || rows[0]["has_failed_messages"] != true {
		t.Fatalf("status: %v", rows)
	}
}

func writeJSONL(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}
}

func TestIngestIsIncrementalAndDeduplicates(t *testing.T) {
	env := newCLIEnv(t)
	src := filepath.Join(env.dir, "mail.jsonl")
	writeJSONL(t, src,
		`{"id":"m1","timestamp":"2026-01-01T10:00:00Z","payload":{"subject":"hi"}}`,
		`{"id":"m2","timestamp":"2026-01-01T11:00:00Z","payload":"plain"}`,
	)

	rows := env.mustRun("ingest", "--path", src, "-q", "inbox", "-q", "audit")
	if len(rows) != 1 {
		t.Fatalf("ingest: %v", rows)
	}
	r := rows[0]
	if r["fetched"] != float64(2) || r["new"] != float64(2) || r["enqueued"] != float64(4) || r["advanced"] != true {
		t.Fatalf("first scan: %v", r)
	}
	if r["cursor"] != "2026-01-01T11:00:00Z" {
		t.Fatalf("cursor=%v", r["cursor"])
	}

	rows = env.mustRun("ingest", "--path", src, "-q", "inbox", "-q", "audit")
	if rows[0]["fetched"] != float64(1) || rows[0]["duplicates"] != float64(1) || rows[0]["new"] != float64(0) || rows[0]["advanced"] != false {
		t.Fatalf("second scan: %v", rows[0])
	}

	// Rewinding the checkpoint re-fetches, but the ledger still skips.
	env.mustRun("checkpoint", "set", "jsonl", "1970-01-01T00:00:00Z")
	rows = env.mustRun("ingest", "--path", src, "-q", "inbox")
	if rows[0]["fetched"] != float64(2) || rows[0]["duplicates"] != float64(2) || rows[0]["new"] != float64(0) {
		t.Fatalf("rewound scan: %v", rows[0])
	}

	rows = env.mustRun("checkpoint", "get", "jsonl")
	if rows[0]["found"] != true || rows[0]["value"] != "2026-01-01T11:00:00Z" {
		t.Fatalf("checkpoint: %v", rows)
	}
	rows = env.mustRun("item", "exists", "m1")
	if rows[0]["exists"] != true {
		t.Fatalf("item exists: %v", rows)
	}
	rows = env.mustRun("item", "get", "m1")
	if rows[0]["payload"] != `{"subject":"hi"}` {
		t.Fatalf("item get: %v", rows)
	}
	rows = env.mustRun("queue", "status", "inbox", "audit")
	if len(rows) != 2 || rows[0]["depth"] != float64(2) || rows[1]["depth"] != float64(2) {
		t.Fatalf("status: %v", rows)
	}
}

func TestQueueEnqueueFromItem(t *testing.T) {
	env := newCLIEnv(t)
	src := filepath.Join(env.dir, "mail.jsonl")
	writeJSONL(t, src, `{"id":"m1","timestamp":"2026-01-01T10:00:00Z","payload":"x"}`)
	env.mustRun("ingest", "--path", src)
	env.mustRun("queue", "purge", "--yes")

	rows := env.mustRun("queue", "enqueue", "--from-item", "m1", "-q", "replay")
	if rows[0]["enqueued"] != float64(1) {
		t.Fatalf("requeue: %v", rows)
	}
	rows = env.mustRun("queue", "peek", "-q", "replay")
	if len(rows) != 1 || rows[0]["id"] != "m1" || rows[0]["payload"] != `"x"` {
		t.Fatalf("peek: %v", rows)
	}

	code, _, _ := env.run("queue", "enqueue", "--from-item", "missing", "-q", "replay")
	if code != 1 {
		t.Fatalf("exit=%d, want 1 for unknown item", code)
	}
}

func TestDrainPrintsEntries(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("queue", "enqueue", "--id", "a", "--payload", "1")
	env.mustRun("queue", "enqueue", "--id", "b", "--payload", "2")

	code, out, errOut := env.run("drain")
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	rows := decodeLines(t, out)
	if len(rows) != 2 || rows[0]["id"] != "a" || rows[1]["id"] != "b" {
		t.Fatalf("drain: %v", rows)
	}
	if !strings.Contains(errOut, "handled=2") {
		t.Fatalf("summary missing: %q", errOut)
	}
}

func TestDrainExecFailureDeadLetters(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	env := newCLIEnv(t)
	env.mustRun("queue", "enqueue", "--id", "ok", "--payload", "fine")
	env.mustRun("queue", "enqueue", "--id", "bad", "--payload", "fail")

	script := `if [ "$(cat)" = "fail" ]; then echo "rejected $INGESTQ_ID" >&2; exit 3; fi`
	code, _, errOut := env.run("drain", "--exec", script)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(errOut, "handled=1 failed=1 dead_lettered=1") {
		t.Fatalf("summary: %q", errOut)
	}

	rows := env.mustRun("queue", "list", "--dead-letters")
	if len(rows) != 1 || rows[0]["id"] != "bad" {
		t.Fatalf("dead letters: %v", rows)
	}
	if msg, _ := rows[0]["error"].(string); !strings.Contains(msg, "rejected bad") {
		t.Fatalf("error=%q", msg)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	env := newCLIEnv(t)
	cases := [][]string{
		{"nope"},
		{"queue", "enqueue"},
		{"queue", "enqueue", "--id", "a", "--bogus"},
		{"checkpoint", "get"},
		{"ingest"},
		{"--log-level", "loud", "queue", "status"},
	}
	for _, args := range cases {
		code, _, errOut := env.run(args...)
		if code != 2 {
			t.Fatalf("%v: exit=%d, want 2 (stderr=%s)", args, code, errOut)
		}
		if !strings.HasPrefix(errOut, "ingestq: ") {
			t.Fatalf("%v: stderr=%q", args, errOut)
		}
	}
}

func TestInvalidConfigExitsOne(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(cfgPath, []byte("[store]\nbackend = \"tape\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--config", cfgPath, "queue", "status", "x"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "store.backend") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestBackendOverrideUsesMemory(t *testing.T) {
	env := newCLIEnv(t)
	rows := env.mustRun("--backend", "memory", "queue", "enqueue", "--id", "a")
	if rows[0]["enqueued"] != true {
		t.Fatalf("enqueue: %v", rows)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "data", "q.db")); !os.IsNotExist(err) {
		t.Fatalf("sqlite file created with memory override: %v", err)
	}
}
