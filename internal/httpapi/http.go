// Package httpapi exposes a queue.Manager over HTTP. Every queue operation
// is POST /queues/{name}/{op} with a strict JSON body; payloads travel as
// standard base64.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nuetzliches/ingestq/internal/queue"
)

const (
	errMethodNotAllowed  = "method_not_allowed"
	errUnauthorized      = "unauthorized"
	errNotFound          = "not_found"
	errOperationNotFound = "operation_not_found"
	errInvalidBody       = "invalid_body"
	errInvalidRequest    = "invalid_request"
	errStoreUnavailable  = "store_unavailable"
	errInternal          = "internal_error"

	maxBodyBytes = 1 << 20
)

type Server struct {
	Manager   *queue.Manager
	Authorize Authorizer
	MaxBatch  int
	// PingTimeout bounds the store ping behind /healthz.
	PingTimeout time.Duration
	Logger      *slog.Logger
	// Observe is called once per queue request after the response status is
	// known.
	Observe func(queueName, op string, statusCode int)
}

func NewServer(m *queue.Manager) *Server {
	return &Server{
		Manager:     m,
		MaxBatch:    100,
		PingTimeout: 2 * time.Second,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cleanPath := path.Clean("/" + r.URL.Path)
	if cleanPath == "/healthz" {
		s.handleHealth(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(cleanPath, "/"), "/")
	if len(parts) != 3 || parts[0] != "queues" {
		writeError(w, http.StatusNotFound, errNotFound, "path must be /queues/{name}/{op}")
		return
	}
	name, op := parts[1], parts[2]

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed, "method must be POST")
		s.observe(name, op, http.StatusMethodNotAllowed)
		return
	}
	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "request is not authorized")
		s.observe(name, op, http.StatusUnauthorized)
		return
	}

	var status int
	switch op {
	case "enqueue":
		status = s.handleEnqueue(w, r, name)
	case "dequeue":
		status = s.handleDequeue(w, r, name)
	case "peek":
		status = s.handlePeek(w, r, name)
	case "purge":
		status = s.handlePurge(w, r, name)
	case "status":
		status = s.handleStatus(w, r, name)
	case "dead-letter":
		status = s.handleDeadLetter(w, r, name)
	default:
		writeError(w, http.StatusNotFound, errOperationNotFound, "queue operation was not found")
		status = http.StatusNotFound
	}
	s.observe(name, op, status)
}

type entryJSON struct {
	ID         string `json:"id"`
	Sequence   int64  `json:"sequence"`
	PayloadB64 string `json:"payload_b64"`
}

func toEntryJSON(e queue.Entry) entryJSON {
	return entryJSON{
		ID:         e.ID,
		Sequence:   e.Sequence,
		PayloadB64: base64.StdEncoding.EncodeToString(e.Payload),
	}
}

type enqueueRequest struct {
	ID         string `json:"id"`
	PayloadB64 string `json:"payload_b64"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, name string) int {
	var req enqueueRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return http.StatusBadRequest
	}
	payload, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, "payload_b64 must be standard base64")
		return http.StatusBadRequest
	}
	enqueued, err := s.Manager.Enqueue(r.Context(), name, req.ID, payload)
	if err != nil {
		return s.writeQueueError(w, "enqueue", err)
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"enqueued": enqueued})
}

type dequeueRequest struct {
	Batch int `json:"batch"`
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request, name string) int {
	var req dequeueRequest
	if !decodeJSONBodyStrict(w, r, &req, true) {
		return http.StatusBadRequest
	}
	batch := req.Batch
	if batch <= 0 {
		batch = 1
	}
	if s.MaxBatch > 0 && batch > s.MaxBatch {
		batch = s.MaxBatch
	}

	entries, err := s.Manager.DequeueBatch(r.Context(), name, batch)
	if err != nil && len(entries) == 0 {
		return s.writeQueueError(w, "dequeue", err)
	}
	if err != nil {
		// The entries are already off the queue; hand them out and report
		// the failure in the log only.
		s.logger().Warn("dequeue_partial",
			slog.String("queue", name),
			slog.Int("returned", len(entries)),
			slog.Any("err", err),
		)
	}

	items := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntryJSON(e))
	}
	return writeJSON(w, http.StatusOK, map[string][]entryJSON{"items": items})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request, name string) int {
	if !decodeJSONBodyStrict(w, r, &struct{}{}, true) {
		return http.StatusBadRequest
	}
	entry, ok, err := s.Manager.Peek(r.Context(), name)
	if err != nil {
		return s.writeQueueError(w, "peek", err)
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}
	return writeJSON(w, http.StatusOK, map[string]entryJSON{"item": toEntryJSON(entry)})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, name string) int {
	if !decodeJSONBodyStrict(w, r, &struct{}{}, true) {
		return http.StatusBadRequest
	}
	n, err := s.Manager.Purge(r.Context(), name)
	if err != nil {
		return s.writeQueueError(w, "purge", err)
	}
	return writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

type statusResponse struct {
	Queue             string `json:"queue"`
	Depth             int    `json:"depth"`
	DeadLetterDepth   int    `json:"dead_letter_depth"`
	LastSequence      int64  `json:"last_sequence"`
	HasMessages       bool   `json:"has_messages"`
	HasFailedMessages bool   `json:"has_failed_messages"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, name string) int {
	if !decodeJSONBodyStrict(w, r, &struct{}{}, true) {
		return http.StatusBadRequest
	}
	st, err := s.Manager.Status(r.Context(), name)
	if err != nil {
		return s.writeQueueError(w, "status", err)
	}
	return writeJSON(w, http.StatusOK, statusResponse{
		Queue:             st.QueueName,
		Depth:             st.Depth,
		DeadLetterDepth:   st.DeadLetterDepth,
		LastSequence:      st.LastSequence,
		HasMessages:       st.HasMessages,
		HasFailedMessages: st.HasFailedMessages,
	})
}

type deadLetterRequest struct {
	ID         string `json:"id"`
	Sequence   int64  `json:"sequence"`
	PayloadB64 string `json:"payload_b64"`
	Error      string `json:"error"`
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request, name string) int {
	var req deadLetterRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return http.StatusBadRequest
	}
	payload, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, "payload_b64 must be standard base64")
		return http.StatusBadRequest
	}
	moved, err := s.Manager.MoveToDeadLetter(r.Context(), queue.Entry{
		QueueName: name,
		ID:        req.ID,
		Sequence:  req.Sequence,
		Payload:   payload,
	}, req.Error)
	if err != nil {
		return s.writeQueueError(w, "dead-letter", err)
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"moved": moved})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed, "method must be GET")
		return
	}
	if p, ok := s.Manager.Store().(queue.Pinger); ok {
		ctx := r.Context()
		if s.PingTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.PingTimeout)
			defer cancel()
		}
		if err := p.Ping(ctx); err != nil {
			s.logger().Warn("health_ping_failed", slog.Any("err", err))
			writeError(w, http.StatusServiceUnavailable, errStoreUnavailable, "store is not reachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeQueueError(w http.ResponseWriter, op string, err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidQueueName), errors.Is(err, queue.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrStorageUnavailable), errors.Is(err, queue.ErrStoreClosed):
		s.logger().Warn("queue_request_failed", slog.String("op", op), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable, op+" is temporarily unavailable")
		return http.StatusServiceUnavailable
	default:
		s.logger().Error("queue_request_failed", slog.String("op", op), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, errInternal, op+" failed")
		return http.StatusInternalServerError
	}
}

func (s *Server) observe(name, op string, status int) {
	if s.Observe != nil {
		s.Observe(name, op, status)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func decodeJSONBodyStrict(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if r.Body == nil {
		if allowEmpty {
			return true
		}
		writeError(w, http.StatusBadRequest, errInvalidBody, "request body is required")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: trailing JSON document is not allowed")
			return false
		}
		writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	return status
}
