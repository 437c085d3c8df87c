package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaOptions configures a KafkaLog.
type KafkaOptions struct {
	Brokers []string
	Topic   string

	// Timeout bounds each request made by the underlying client.
	Timeout time.Duration

	// MetadataTTL is how long the partition list of Topic is cached.
	MetadataTTL time.Duration

	// LocateWindow is how many of the newest offsets of a partition Locate
	// reads. LocateFetchBytes caps each fetch it makes.
	LocateWindow     int64
	LocateFetchBytes int64

	Logger *slog.Logger
}

func (o KafkaOptions) applyDefaults() KafkaOptions {
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MetadataTTL <= 0 {
		o.MetadataTTL = time.Minute
	}
	if o.LocateWindow <= 0 {
		o.LocateWindow = 1000
	}
	if o.LocateFetchBytes <= 0 {
		o.LocateFetchBytes = 4 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// KafkaLog appends to one Kafka topic. Every produce request waits for
// acknowledgement from all in-sync replicas. Partitions are chosen with the
// murmur2 hash used by the Java client, so a key lands on the same
// partition no matter which producer wrote it.
type KafkaLog struct {
	opts      KafkaOptions
	transport *kafka.Transport
	client    *kafka.Client
	balancer  kafka.Murmur2Balancer

	mu         sync.Mutex
	partitions []int
	fetchedAt  time.Time
}

// NewKafkaLog creates a KafkaLog. No connection is made until first use.
func NewKafkaLog(opts KafkaOptions) *KafkaLog {
	opts = opts.applyDefaults()
	transport := &kafka.Transport{
		ClientID:    "txingest",
		DialTimeout: opts.Timeout,
		MetadataTTL: opts.MetadataTTL,
	}
	return &KafkaLog{
		opts:      opts,
		transport: transport,
		client: &kafka.Client{
			Addr:      kafka.TCP(opts.Brokers...),
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		balancer: kafka.Murmur2Balancer{Consistent: true},
	}
}

// EnsureTopic creates the topic if it does not exist yet.
func (l *KafkaLog) EnsureTopic(ctx context.Context, partitions, replicationFactor int) error {
	res, err := l.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             l.opts.Topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		}},
	})
	if err != nil {
		return fmt.Errorf("create topic %s: %w", l.opts.Topic, err)
	}
	if terr := res.Errors[l.opts.Topic]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", l.opts.Topic, terr)
	}
	l.opts.Logger.Info("kafka topic ready",
		"topic", l.opts.Topic,
		"partitions", partitions,
		"replication_factor", replicationFactor,
	)
	return nil
}

// Append produces msg and waits for the broker acknowledgement.
func (l *KafkaLog) Append(ctx context.Context, msg Message) (Position, error) {
	parts, err := l.partitionsFor(ctx)
	if err != nil {
		return Position{}, err
	}
	partition := l.balancer.Balance(kafka.Message{Key: msg.Key}, parts...)

	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	res, err := l.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        l.opts.Topic,
		Partition:    partition,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Records: kafka.NewRecordReader(kafka.Record{
			Time:    msg.Time,
			Key:     kafka.NewBytes(msg.Key),
			Value:   kafka.NewBytes(msg.Value),
			Headers: headers,
		}),
	})
	if err != nil {
		l.invalidate()
		return Position{}, fmt.Errorf("produce to %s/%d: %w", l.opts.Topic, partition, err)
	}
	if res.Error != nil {
		l.invalidate()
		return Position{}, fmt.Errorf("produce to %s/%d: %w", l.opts.Topic, partition, res.Error)
	}
	for _, rerr := range res.RecordErrors {
		return Position{}, fmt.Errorf("produce to %s/%d: %w", l.opts.Topic, partition, rerr)
	}

	return Position{Topic: l.opts.Topic, Partition: partition, Offset: res.BaseOffset}, nil
}

// Locate scans the newest LocateWindow offsets of the partition msg hashes
// to, looking for a record with the same key and SequenceHeader. A retry
// that lands further back than the window is not found.
func (l *KafkaLog) Locate(ctx context.Context, msg Message) (Position, bool, error) {
	seq, ok := msg.Headers[SequenceHeader]
	if !ok {
		return Position{}, false, nil
	}
	parts, err := l.partitionsFor(ctx)
	if err != nil {
		return Position{}, false, err
	}
	partition := l.balancer.Balance(kafka.Message{Key: msg.Key}, parts...)

	first, end, err := l.offsets(ctx, partition)
	if err != nil {
		return Position{}, false, err
	}
	offset := end - l.opts.LocateWindow
	if offset < first {
		offset = first
	}

	for offset < end {
		res, err := l.client.Fetch(ctx, &kafka.FetchRequest{
			Topic:     l.opts.Topic,
			Partition: partition,
			Offset:    offset,
			MinBytes:  1,
			MaxBytes:  l.opts.LocateFetchBytes,
			MaxWait:   100 * time.Millisecond,
		})
		if err != nil {
			return Position{}, false, fmt.Errorf("fetch %s/%d@%d: %w", l.opts.Topic, partition, offset, err)
		}
		if res.Error != nil {
			return Position{}, false, fmt.Errorf("fetch %s/%d@%d: %w", l.opts.Topic, partition, offset, res.Error)
		}
		next, found, err := scanRecords(res.Records, offset, msg.Key, seq)
		if err != nil {
			return Position{}, false, fmt.Errorf("fetch %s/%d@%d: %w", l.opts.Topic, partition, offset, err)
		}
		if found >= 0 {
			return Position{Topic: l.opts.Topic, Partition: partition, Offset: found}, true, nil
		}
		if next <= offset {
			break
		}
		offset = next
	}
	return Position{}, false, nil
}

// offsets returns the first offset and the log end offset of partition.
func (l *KafkaLog) offsets(ctx context.Context, partition int) (int64, int64, error) {
	res, err := l.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			l.opts.Topic: {kafka.FirstOffsetOf(partition), kafka.LastOffsetOf(partition)},
		},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list offsets %s/%d: %w", l.opts.Topic, partition, err)
	}
	for _, p := range res.Topics[l.opts.Topic] {
		if p.Partition != partition {
			continue
		}
		if p.Error != nil {
			return 0, 0, fmt.Errorf("list offsets %s/%d: %w", l.opts.Topic, partition, p.Error)
		}
		return p.FirstOffset, p.LastOffset, nil
	}
	return 0, 0, fmt.Errorf("list offsets %s/%d: %w", l.opts.Topic, partition, kafka.UnknownTopicOrPartition)
}

// scanRecords reads rr looking for key and seq. A fetch may start before
// from, so lower offsets are skipped. It returns the offset after the last
// record read and the offset of the match, or -1.
func scanRecords(rr kafka.RecordReader, from int64, key []byte, seq string) (next, found int64, err error) {
	next, found = from, -1
	for {
		rec, err := rr.ReadRecord()
		if errors.Is(err, io.EOF) {
			return next, found, nil
		}
		if err != nil {
			return next, found, err
		}
		if rec.Offset < from {
			continue
		}
		next = rec.Offset + 1

		k, err := kafka.ReadAll(rec.Key)
		if err != nil {
			return next, found, err
		}
		if !bytes.Equal(k, key) {
			continue
		}
		for _, h := range rec.Headers {
			if h.Key == SequenceHeader && string(h.Value) == seq {
				return next, rec.Offset, nil
			}
		}
	}
}

// partitionsFor returns the sorted partition ids of the topic, refreshing
// them from cluster metadata once the cache is stale.
func (l *KafkaLog) partitionsFor(ctx context.Context) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partitions) > 0 && time.Since(l.fetchedAt) < l.opts.MetadataTTL {
		return l.partitions, nil
	}

	meta, err := l.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{l.opts.Topic}})
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", l.opts.Topic, err)
	}
	for _, t := range meta.Topics {
		if t.Name != l.opts.Topic {
			continue
		}
		if t.Error != nil {
			return nil, fmt.Errorf("metadata for %s: %w", l.opts.Topic, t.Error)
		}
		ids := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
		if len(ids) == 0 {
			break
		}
		sort.Ints(ids)
		l.partitions = ids
		l.fetchedAt = time.Now()
		return ids, nil
	}
	return nil, fmt.Errorf("metadata for %s: %w", l.opts.Topic, kafka.UnknownTopicOrPartition)
}

func (l *KafkaLog) invalidate() {
	l.mu.Lock()
	l.partitions = nil
	l.mu.Unlock()
}

// Close releases idle broker connections.
func (l *KafkaLog) Close() error {
	l.transport.CloseIdleConnections()
	return nil
}
