package logging

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AccessLog logs one "api_request" record per request handled by next.
// Requests on /queues/{name}/{op} also carry the queue and operation; 5xx
// responses are logged at warn level.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.bytes),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		}
		if queue, op, ok := queueOp(r.URL.Path); ok {
			attrs = append(attrs, slog.String("queue", queue), slog.String("op", op))
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.LogAttrs(r.Context(), level, "api_request", attrs...)
	})
}

func queueOp(path string) (string, string, bool) {
	rest, ok := strings.CutPrefix(path, "/queues/")
	if !ok {
		return "", "", false
	}
	queue, op, ok := strings.Cut(rest, "/")
	if !ok || queue == "" || op == "" || strings.Contains(op, "/") {
		return "", "", false
	}
	return queue, op, true
}

type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}
