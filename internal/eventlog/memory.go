package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Entry is a message stored by MemoryLog.
type Entry struct {
	Position
	Key     string
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// MemoryLog is a partitioned in-process log for local runs and tests. It
// routes keys with the same balancer as KafkaLog. A message whose key and
// SequenceHeader match a stored entry is not stored twice; Append returns
// the existing position instead.
type MemoryLog struct {
	topic    string
	balancer kafka.Murmur2Balancer
	ids      []int

	mu         sync.Mutex
	partitions [][]Entry
	faults     []error
	lostAcks   int
	latency    time.Duration
	appends    int
}

// NewMemoryLog returns an empty log with n partitions (minimum 1).
func NewMemoryLog(topic string, n int) *MemoryLog {
	if n < 1 {
		n = 1
	}
	if topic == "" {
		topic = DefaultTopic
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return &MemoryLog{
		topic:      topic,
		balancer:   kafka.Murmur2Balancer{Consistent: true},
		ids:        ids,
		partitions: make([][]Entry, n),
	}
}

// FailNext makes the next len(errs) appends fail with errs, in order.
func (m *MemoryLog) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, errs...)
}

// LoseAckNext makes the next n appends store their message and then fail
// with context.DeadlineExceeded, as when the broker wrote the record but
// the acknowledgement never arrived.
func (m *MemoryLog) LoseAckNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostAcks += n
}

// SetLatency delays every append by d, as a slow broker would.
func (m *MemoryLog) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *MemoryLog) Append(ctx context.Context, msg Message) (Position, error) {
	m.mu.Lock()
	m.appends++
	latency := m.latency
	var fault error
	if len(m.faults) > 0 {
		fault = m.faults[0]
		m.faults = m.faults[1:]
	}
	lostAck := fault == nil && m.lostAcks > 0
	if lostAck {
		m.lostAcks--
	}
	m.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	if fault != nil {
		return Position{}, fault
	}
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}

	pos := m.store(msg)
	if lostAck {
		return Position{}, context.DeadlineExceeded
	}
	return pos, nil
}

func (m *MemoryLog) store(msg Message) Position {
	partition := m.balancer.Balance(kafka.Message{Key: msg.Key}, m.ids...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.find(partition, msg); ok {
		return e.Position
	}
	pos := Position{Topic: m.topic, Partition: partition, Offset: int64(len(m.partitions[partition]))}
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	m.partitions[partition] = append(m.partitions[partition], Entry{
		Position: pos,
		Key:      string(msg.Key),
		Value:    append([]byte(nil), msg.Value...),
		Headers:  headers,
		Time:     msg.Time,
	})
	return pos
}

// find must be called with mu held.
func (m *MemoryLog) find(partition int, msg Message) (Entry, bool) {
	seq, ok := msg.Headers[SequenceHeader]
	if !ok {
		return Entry{}, false
	}
	for _, e := range m.partitions[partition] {
		if e.Key == string(msg.Key) && e.Headers[SequenceHeader] == seq {
			return e, true
		}
	}
	return Entry{}, false
}

func (m *MemoryLog) Locate(ctx context.Context, msg Message) (Position, bool, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, false, err
	}
	partition := m.balancer.Balance(kafka.Message{Key: msg.Key}, m.ids...)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.find(partition, msg)
	return e.Position, ok, nil
}

// Entries returns every stored entry, partition by partition in offset order.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, p := range m.partitions {
		out = append(out, p...)
	}
	return out
}

// EntriesForKey returns the entries stored under key in append order.
func (m *MemoryLog) EntriesForKey(key string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, p := range m.partitions {
		for _, e := range p {
			if e.Key == key {
				out = append(out, e)
			}
		}
	}
	return out
}

// Len is the number of stored entries.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.partitions {
		n += len(p)
	}
	return n
}

// Appends counts Append calls, failed ones included.
func (m *MemoryLog) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

func (m *MemoryLog) Close() error { return nil }
