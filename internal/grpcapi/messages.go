package grpcapi

type QueueRequest struct {
	Queue string `json:"queue"`
}

type EnqueueRequest struct {
	Queue   string `json:"queue"`
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

type EnqueueResponse struct {
	Enqueued bool `json:"enqueued"`
}

type DequeueRequest struct {
	Queue string `json:"queue"`
	Batch int    `json:"batch,omitempty"`
}

type Item struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`
	Payload  []byte `json:"payload"`
}

type DequeueResponse struct {
	Items []Item `json:"items"`
}

// PeekResponse carries a nil Item when the queue is empty.
type PeekResponse struct {
	Item *Item `json:"item,omitempty"`
}

type PurgeResponse struct {
	Purged int `json:"purged"`
}

type StatusResponse struct {
	Queue             string `json:"queue"`
	Depth             int    `json:"depth"`
	DeadLetterDepth   int    `json:"dead_letter_depth"`
	LastSequence      int64  `json:"last_sequence"`
	HasMessages       bool   `json:"has_messages"`
	HasFailedMessages bool   `json:"has_failed_messages"`
}

type DeadLetterRequest struct {
	Queue    string `json:"queue"`
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`
	Payload  []byte `json:"payload"`
	Error    string `json:"error"`
}

type DeadLetterResponse struct {
	Moved bool `json:"moved"`
}
