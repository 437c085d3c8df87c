// Package eventlog is the outbound, partitioned append-only log that
// transaction records are published to.
//
// A Log appends one keyed message at a time and returns its durable
// position. Implementations must route equal keys to the same partition,
// so messages sharing a key are appended in send order.
//
// A failed Append does not prove the message is absent: a timeout or a
// dropped connection can lose the acknowledgement of a write that landed.
// Locate answers that question before a message is sent again.
package eventlog

import (
	"context"
	"fmt"
	"time"
)

// DefaultTopic is the topic the downstream validation stage consumes.
const DefaultTopic = "raw-transactions"

// SequenceHeader carries the record sequence. Together with the key it
// identifies one logical send.
const SequenceHeader = "sequence"

// Message is one keyed payload.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// Position locates an appended message. Its string form is the opaque
// traceability token handed back to callers.
type Position struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%d@%d", p.Topic, p.Partition, p.Offset)
}

// Log is safe for concurrent use. Append returns only after the message is
// durably acknowledged.
//
// Locate reports whether a message with the same key and SequenceHeader is
// already stored, and where. Messages without the header are never found.
type Log interface {
	Append(ctx context.Context, msg Message) (Position, error)
	Locate(ctx context.Context, msg Message) (Position, bool, error)
	Close() error
}
