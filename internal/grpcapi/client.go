package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the queue service over an established connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, methodPath(method), in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) Enqueue(ctx context.Context, queueName, id string, payload []byte) (bool, error) {
	var out EnqueueResponse
	if err := c.invoke(ctx, "Enqueue", &EnqueueRequest{Queue: queueName, ID: id, Payload: payload}, &out); err != nil {
		return false, err
	}
	return out.Enqueued, nil
}

func (c *Client) Dequeue(ctx context.Context, queueName string, batch int) ([]Item, error) {
	var out DequeueResponse
	if err := c.invoke(ctx, "Dequeue", &DequeueRequest{Queue: queueName, Batch: batch}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Peek(ctx context.Context, queueName string) (Item, bool, error) {
	var out PeekResponse
	if err := c.invoke(ctx, "Peek", &QueueRequest{Queue: queueName}, &out); err != nil {
		return Item{}, false, err
	}
	if out.Item == nil {
		return Item{}, false, nil
	}
	return *out.Item, true, nil
}

func (c *Client) Purge(ctx context.Context, queueName string) (int, error) {
	var out PurgeResponse
	if err := c.invoke(ctx, "Purge", &QueueRequest{Queue: queueName}, &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

func (c *Client) Status(ctx context.Context, queueName string) (StatusResponse, error) {
	var out StatusResponse
	err := c.invoke(ctx, "Status", &QueueRequest{Queue: queueName}, &out)
	return out, err
}

func (c *Client) DeadLetter(ctx context.Context, req DeadLetterRequest) (bool, error) {
	var out DeadLetterResponse
	if err := c.invoke(ctx, "DeadLetter", &req, &out); err != nil {
		return false, err
	}
	return out.Moved, nil
}
