package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nuetzliches/ingestq/internal/consume"
	"github.com/nuetzliches/ingestq/internal/grpcapi"
	"github.com/nuetzliches/ingestq/internal/httpapi"
	"github.com/nuetzliches/ingestq/internal/ingest"
	"github.com/nuetzliches/ingestq/internal/queue"
	"github.com/nuetzliches/ingestq/internal/source/jsonl"
)

// ---------- helpers ----------

func openSQLite(t *testing.T, path string) *queue.SQLiteStore {
	t.Helper()
	store, err := queue.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return store
}

func writeRecords(t *testing.T, path string, records ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	for _, r := range records {
		if _, err := f.WriteString(r + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func record(id, ts, payload string) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":%q,"payload":%s}`, id, ts, payload)
}

func scan(t *testing.T, m *queue.Manager, path string, queues ...string) ingest.ScanResult {
	t.Helper()
	src, err := jsonl.New("mail", path)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	d := &ingest.Driver{
		Items:         m.Store(),
		Checkpoints:   m.Store(),
		Queues:        m,
		QueueNames:    queues,
		DefaultCursor: "1970-01-01T00:00:00Z",
		LockDir:       t.TempDir(),
	}
	res, err := d.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return res
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type dequeueResp struct {
	Items []dequeueItem `json:"items"`
}

type dequeueItem struct {
	ID         string `json:"id"`
	Sequence   int64  `json:"sequence"`
	PayloadB64 string `json:"payload_b64"`
}

func grpcClient(t *testing.T, m *queue.Manager) *grpcapi.Client {
	t.Helper()
	gs, _ := grpcapi.NewGRPCServer(grpcapi.NewServer(m))
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc client: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
	})
	return grpcapi.NewClient(conn)
}

// ---------- E2E tests ----------

func TestE2E_IngestThenHTTPDequeue(t *testing.T) {
	dir := t.TempDir()
	store := openSQLite(t, filepath.Join(dir, "q.db"))
	defer store.Close()
	m := queue.NewManager(store)

	src := filepath.Join(dir, "mail.jsonl")
	writeRecords(t, src,
		record("m1", "2026-03-01T09:00:00Z", `{"subject":"one"}`),
		record("m2", "2026-03-01T09:05:00Z", `{"subject":"two"}`),
		record("m1", "2026-03-01T09:10:00Z", `{"subject":"one again"}`),
	)

	res := scan(t, m, src, "inbox", "audit")
	if res.Fetched != 3 || res.New != 2 || res.Duplicates != 1 || res.Enqueued != 4 {
		t.Fatalf("scan result: %+v", res)
	}

	api := httptest.NewServer(httpapi.NewServer(m))
	defer api.Close()

	var deq dequeueResp
	readJSON(t, postJSON(t, api.URL+"/queues/inbox/dequeue", map[string]int{"batch": 10}), &deq)
	if len(deq.Items) != 2 {
		t.Fatalf("dequeue items: got %d, want 2", len(deq.Items))
	}
	if deq.Items[0].ID != "m1" || deq.Items[1].ID != "m2" {
		t.Fatalf("order: %+v", deq.Items)
	}
	decoded, err := base64.StdEncoding.DecodeString(deq.Items[0].PayloadB64)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if string(decoded) != `{"subject":"one"}` {
		t.Fatalf("payload: got %q", decoded)
	}

	// The fan-out copy in audit is untouched by draining inbox.
	depth, err := m.Depth(context.Background(), "audit")
	if err != nil || depth != 2 {
		t.Fatalf("audit depth=%d err=%v, want 2", depth, err)
	}
}

func TestE2E_RescanAfterReopenEnqueuesOnlyNewItems(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "q.db")
	src := filepath.Join(dir, "mail.jsonl")
	writeRecords(t, src,
		record("a", "2026-03-01T09:00:00Z", `1`),
		record("b", "2026-03-01T09:01:00Z", `2`),
	)

	store := openSQLite(t, dbPath)
	res := scan(t, queue.NewManager(store), src, "jobs")
	if res.New != 2 || !res.Advanced {
		t.Fatalf("first scan: %+v", res)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A late record with an older timestamp is behind the checkpoint and is
	// never fetched. The record at the checkpoint instant is fetched again
	// and skipped as a duplicate.
	writeRecords(t, src,
		record("late", "2026-03-01T08:00:00Z", `0`),
		record("c", "2026-03-01T09:02:00Z", `3`),
	)

	store = openSQLite(t, dbPath)
	defer store.Close()
	m := queue.NewManager(store)
	res = scan(t, m, src, "jobs")
	if res.Fetched != 2 || res.New != 1 || res.Duplicates != 1 || res.Cursor != "2026-03-01T09:02:00Z" {
		t.Fatalf("second scan: %+v", res)
	}

	entries, err := m.DequeueBatch(context.Background(), "jobs", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if got := strings.Join(ids, ","); got != "a,b,c" {
		t.Fatalf("ids=%s, want a,b,c", got)
	}
	if entries[2].Sequence <= entries[1].Sequence {
		t.Fatalf("sequence did not grow across reopen: %+v", entries)
	}
}

func TestE2E_ConsumerDeadLettersVisibleOverGRPC(t *testing.T) {
	store := queue.NewMemoryStore()
	m := queue.NewManager(store)
	client := grpcClient(t, m)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := client.Enqueue(ctx, "jobs", id, []byte("payload-"+id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	var handled []string
	c := &consume.Consumer{
		Queue:     m,
		QueueName: "jobs",
		Handler: consume.HandlerFunc(func(_ context.Context, e queue.Entry) error {
			if e.ID == "b" {
				return errors.New("unparseable")
			}
			handled = append(handled, e.ID)
			return nil
		}),
		DeadLetter: true,
	}
	res, err := c.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Handled != 2 || res.Failed != 1 || res.DeadLettered != 1 {
		t.Fatalf("drain result: %+v", res)
	}
	if strings.Join(handled, ",") != "a,c" {
		t.Fatalf("handled=%v", handled)
	}

	st, err := client.Status(ctx, "jobs")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Depth != 0 || st.DeadLetterDepth != 1 || !st.HasFailedMessages || st.LastSequence != 3 {
		t.Fatalf("status: %+v", st)
	}

	item, ok, err := client.Peek(ctx, m.DeadLetterQueue("jobs"))
	if err != nil || !ok {
		t.Fatalf("peek dlq: ok=%v err=%v", ok, err)
	}
	dl, err := queue.DecodeDeadLetter(item.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dl.ID != "b" || dl.OriginalQueue != "jobs" || dl.Error != "unparseable" || string(dl.Payload) != "payload-b" {
		t.Fatalf("dead letter: %+v", dl)
	}
}

func TestE2E_ConcurrentHTTPDequeueDeliversEachEntryOnce(t *testing.T) {
	m := queue.NewManager(queue.NewMemoryStore())
	api := httptest.NewServer(httpapi.NewServer(m))
	defer api.Close()

	const total = 200
	for i := 0; i < total; i++ {
		resp := postJSON(t, api.URL+"/queues/jobs/enqueue", map[string]string{
			"id":          fmt.Sprintf("id-%03d", i),
			"payload_b64": base64.StdEncoding.EncodeToString([]byte{byte(i)}),
		})
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("enqueue %d: status %d", i, resp.StatusCode)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				data, _ := json.Marshal(map[string]int{"batch": 5})
				resp, err := http.Post(api.URL+"/queues/jobs/dequeue", "application/json", bytes.NewReader(data))
				if err != nil {
					errs <- err
					return
				}
				var deq dequeueResp
				err = json.NewDecoder(resp.Body).Decode(&deq)
				_ = resp.Body.Close()
				if err != nil {
					errs <- err
					return
				}
				if len(deq.Items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range deq.Items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}

	if len(seen) != total {
		t.Fatalf("distinct entries: got %d, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("%s delivered %d times", id, n)
		}
	}
}
