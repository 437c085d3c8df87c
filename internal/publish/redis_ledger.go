package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
)

const pendingMarker = "pending"

// commitScript stores the position only over the caller's own reservation,
// or over nothing once that reservation expired.
var commitScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or v == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// releaseScript deletes the key only while it still holds the caller's
// reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrReservationLost is returned by Commit when the key was taken over by
// another sender after this one's reservation expired.
var ErrReservationLost = errors.New("reservation lost")

// RedisLedger shares the dedup table between every replica of the service.
// A reservation is a SETNX of a pending marker naming the ledger instance; a
// commit replaces it with the JSON position. Commit and Release run as
// scripts so neither can touch a reservation held by another replica.
type RedisLedger struct {
	client     redis.UniversalClient
	prefix     string
	owner      string
	ttl        time.Duration
	pendingTTL time.Duration
}

// RedisLedgerOptions configures a RedisLedger.
type RedisLedgerOptions struct {
	Prefix string
	// TTL is how long a committed key is remembered.
	TTL time.Duration
	// PendingTTL frees a reservation whose owner died before committing.
	PendingTTL time.Duration
}

func NewRedisLedger(client redis.UniversalClient, opts RedisLedgerOptions) *RedisLedger {
	if opts.Prefix == "" {
		opts.Prefix = "txingest:dedup:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Minute
	}
	return &RedisLedger{
		client:     client,
		prefix:     opts.Prefix,
		owner:      pendingMarker + ":" + uuid.NewString(),
		ttl:        opts.TTL,
		pendingTTL: opts.PendingTTL,
	}
}

func (l *RedisLedger) Reserve(ctx context.Context, key string) (ReserveState, eventlog.Position, error) {
	k := l.prefix + key
	ok, err := l.client.SetNX(ctx, k, l.owner, l.pendingTTL).Result()
	if err != nil {
		return 0, eventlog.Position{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if ok {
		return Reserved, eventlog.Position{}, nil
	}

	val, err := l.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller retries.
		return InFlight, eventlog.Position{}, nil
	}
	if err != nil {
		return 0, eventlog.Position{}, fmt.Errorf("read reservation %s: %w", key, err)
	}
	if strings.HasPrefix(val, pendingMarker) {
		return InFlight, eventlog.Position{}, nil
	}
	var pos eventlog.Position
	if err := json.Unmarshal([]byte(val), &pos); err != nil {
		return 0, eventlog.Position{}, fmt.Errorf("decode position for %s: %w", key, err)
	}
	return Committed, pos, nil
}

func (l *RedisLedger) Commit(ctx context.Context, key string, pos eventlog.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	ttl := strconv.FormatInt(l.ttl.Milliseconds(), 10)
	n, err := commitScript.Run(ctx, l.client, []string{l.prefix + key}, l.owner, data, ttl).Int()
	if err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("commit %s: %w", key, ErrReservationLost)
	}
	return nil
}

// Release drops this ledger's reservation for key. A committed key, or one
// reserved by someone else, is left alone.
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
