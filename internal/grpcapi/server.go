// Package grpcapi serves the queue operations over gRPC. Messages are plain
// Go structs carried by a JSON codec, so no generated stubs are involved;
// the standard gRPC health service runs next to it.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nuetzliches/ingestq/internal/queue"
)

const ServiceName = "ingestq.v1.Queue"

// Server exposes a queue.Manager as the ingestq.v1.Queue service.
type Server struct {
	Manager   *queue.Manager
	Authorize Authorizer
	MaxBatch  int
	Logger    *slog.Logger
}

func NewServer(m *queue.Manager) *Server {
	return &Server{
		Manager:  m,
		MaxBatch: 100,
	}
}

// Register adds the queue service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

type queueService interface {
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	Dequeue(context.Context, *DequeueRequest) (*DequeueResponse, error)
	Peek(context.Context, *QueueRequest) (*PeekResponse, error)
	Purge(context.Context, *QueueRequest) (*PurgeResponse, error)
	Status(context.Context, *QueueRequest) (*StatusResponse, error)
	DeadLetter(context.Context, *DeadLetterRequest) (*DeadLetterResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*queueService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", (*Server).Enqueue),
		unary("Dequeue", (*Server).Dequeue),
		unary("Peek", (*Server).Peek),
		unary("Purge", (*Server).Purge),
		unary("Status", (*Server).Status),
		unary("DeadLetter", (*Server).DeadLetter),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ingestq/queue",
}

func methodPath(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := methodPath(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			handler := func(ctx context.Context, req any) (any, error) {
				if s.Authorize != nil && !s.Authorize(ctx) {
					return nil, status.Error(codes.Unauthenticated, "request is not authorized")
				}
				resp, err := call(s, ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

func (s *Server) Enqueue(ctx context.Context, req *EnqueueRequest) (*EnqueueResponse, error) {
	enqueued, err := s.Manager.Enqueue(ctx, req.Queue, req.ID, req.Payload)
	if err != nil {
		return nil, s.mapError("enqueue", err)
	}
	return &EnqueueResponse{Enqueued: enqueued}, nil
}

func (s *Server) Dequeue(ctx context.Context, req *DequeueRequest) (*DequeueResponse, error) {
	batch := req.Batch
	if batch <= 0 {
		batch = 1
	}
	if s.MaxBatch > 0 && batch > s.MaxBatch {
		batch = s.MaxBatch
	}

	entries, err := s.Manager.DequeueBatch(ctx, req.Queue, batch)
	if err != nil && len(entries) == 0 {
		return nil, s.mapError("dequeue", err)
	}
	if err != nil {
		s.logger().Warn("dequeue_partial",
			slog.String("queue", req.Queue),
			slog.Int("returned", len(entries)),
			slog.Any("err", err),
		)
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, toItem(e))
	}
	return &DequeueResponse{Items: items}, nil
}

func (s *Server) Peek(ctx context.Context, req *QueueRequest) (*PeekResponse, error) {
	entry, ok, err := s.Manager.Peek(ctx, req.Queue)
	if err != nil {
		return nil, s.mapError("peek", err)
	}
	if !ok {
		return &PeekResponse{}, nil
	}
	it := toItem(entry)
	return &PeekResponse{Item: &it}, nil
}

func (s *Server) Purge(ctx context.Context, req *QueueRequest) (*PurgeResponse, error) {
	n, err := s.Manager.Purge(ctx, req.Queue)
	if err != nil {
		return nil, s.mapError("purge", err)
	}
	return &PurgeResponse{Purged: n}, nil
}

func (s *Server) Status(ctx context.Context, req *QueueRequest) (*StatusResponse, error) {
	st, err := s.Manager.Status(ctx, req.Queue)
	if err != nil {
		return nil, s.mapError("status", err)
	}
	return &StatusResponse{
		Queue:             st.QueueName,
		Depth:             st.Depth,
		DeadLetterDepth:   st.DeadLetterDepth,
		LastSequence:      st.LastSequence,
		HasMessages:       st.HasMessages,
		HasFailedMessages: st.HasFailedMessages,
	}, nil
}

func (s *Server) DeadLetter(ctx context.Context, req *DeadLetterRequest) (*DeadLetterResponse, error) {
	moved, err := s.Manager.MoveToDeadLetter(ctx, queue.Entry{
		QueueName: req.Queue,
		ID:        req.ID,
		Sequence:  req.Sequence,
		Payload:   req.Payload,
	}, req.Error)
	if err != nil {
		return nil, s.mapError("dead-letter", err)
	}
	return &DeadLetterResponse{Moved: moved}, nil
}

func toItem(e queue.Entry) Item {
	return Item{ID: e.ID, Sequence: e.Sequence, Payload: e.Payload}
}

func (s *Server) mapError(op string, err error) error {
	switch {
	case errors.Is(err, queue.ErrInvalidQueueName), errors.Is(err, queue.ErrInvalidIdentifier):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, queue.ErrStorageUnavailable), errors.Is(err, queue.ErrStoreClosed):
		s.logger().Warn("queue_request_failed", slog.String("op", op), slog.Any("err", err))
		return status.Error(codes.Unavailable, op+" is temporarily unavailable")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		s.logger().Error("queue_request_failed", slog.String("op", op), slog.Any("err", err))
		return status.Error(codes.Internal, op+" failed")
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
