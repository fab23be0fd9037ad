// Command ingestq moves items from an upstream source into durable FIFO
// queues, skipping identifiers it has already seen.
//
// Install:
//
//	go install github.com/nuetzliches/ingestq/cmd/ingestq@latest
//
// Usage:
//
//	ingestq ingest --path ./mail.jsonl --queue inbox
//	ingestq drain --queue inbox --exec ./handle.sh
//	ingestq serve --config ./ingestq.toml --watch
package main
