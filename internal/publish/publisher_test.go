package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/txingest/internal/accounting"
	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
	"github.com/gyaneshwarpardhi/txingest/internal/transaction"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(id string) *transaction.Record {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &transaction.Record{
		ID:             id,
		SubjectAccount: "u1",
		Amount:         decimal.NewNullDecimal(decimal.RequireFromString("250.00")),
		Kind:           transaction.KindPayment,
		Status:         transaction.StatusPending,
		Currency:       "USD",
		CreatedAt:      &created,
	}
}

func newTestPublisher(t *testing.T, l eventlog.Log, acct *accounting.Accountant, tweak func(*Options)) *Publisher {
	t.Helper()
	opts := Options{
		MaxAttempts:     3,
		AttemptTimeout:  time.Second,
		Workers:         8,
		QueueDepth:      1000,
		BreakerFailures: -1,
		Backoff:         func(int) time.Duration { return time.Millisecond },
		Accountant:      acct,
		Logger:          quietLogger(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	p := New(l, opts)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPublishSync_Success(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	out := p.PublishSync(context.Background(), testRecord("tx-1"))
	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, "tx-1", out.RecordID)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "raw-transactions", out.Position.Topic)
	assert.NotEmpty(t, out.Token())

	entries := l.EntriesForKey("tx-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "application/json", entries[0].Headers["content-type"])
	assert.Equal(t, "payment", entries[0].Headers["kind"])

	var got transaction.Record
	require.NoError(t, json.Unmarshal(entries[0].Value, &got))
	assert.Equal(t, "u1", got.SubjectAccount)
	assert.True(t, got.Amount.Decimal.Equal(decimal.RequireFromString("250")))

	s := acct.Snapshot()
	assert.Equal(t, uint64(1), s.Published)
	assert.Equal(t, uint64(0), s.Failed)
}

func TestPublish_SameRecordTwiceIsOneEntry(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	first := p.PublishSync(context.Background(), testRecord("tx-dup"))
	second := p.PublishSync(context.Background(), testRecord("tx-dup"))

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Token(), second.Token())
	assert.Len(t, l.EntriesForKey("tx-dup"), 1)
	assert.Equal(t, 1, l.Appends())
}

func TestPublish_ConcurrentDuplicatesAreOneEntry(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	l.SetLatency(2 * time.Millisecond)
	p := newTestPublisher(t, l, accounting.New(), nil)

	var futs []*Future
	for i := 0; i < 10; i++ {
		futs = append(futs, p.PublishAsync(testRecord("tx-race")))
	}
	tokens := map[string]bool{}
	for _, f := range futs {
		out, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, out.Success)
		tokens[out.Token()] = true
	}
	assert.Len(t, tokens, 1)
	assert.Len(t, l.EntriesForKey("tx-race"), 1)
}

func TestPublish_SameKeyKeepsSendOrder(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	l.SetLatency(3 * time.Millisecond)
	p := newTestPublisher(t, l, accounting.New(), nil)

	var futs []*Future
	for seq := uint64(1); seq <= 3; seq++ {
		rec := testRecord("tx-ordered")
		rec.Sequence = seq
		futs = append(futs, p.PublishAsync(rec))
	}
	for _, f := range futs {
		out, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, out.Success)
	}

	entries := l.EntriesForKey("tx-ordered")
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprint(i+1), e.Headers["sequence"], "entry %d out of order", i)
	}
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.FailNext(eventlog.ErrUnavailable, context.DeadlineExceeded)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	out := p.PublishSync(context.Background(), testRecord("tx-flaky"))
	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, l.Appends())
	assert.Equal(t, 1, l.Len())

	s := acct.Snapshot()
	assert.Equal(t, uint64(1), s.Published, "accounted once, not per attempt")
	assert.Equal(t, uint64(0), s.Failed)
}

func TestPublish_LostAckIsNotAppendedTwice(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	l.LoseAckNext(1)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	out := p.PublishSync(context.Background(), testRecord("tx-lost-ack"))
	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, l.Appends(), "the second attempt found the record instead of sending it again")
	entries := l.EntriesForKey("tx-lost-ack")
	require.Len(t, entries, 1)
	assert.Equal(t, entries[0].Position, out.Position)

	s := acct.Snapshot()
	assert.Equal(t, uint64(1), s.Published)
	assert.Equal(t, uint64(0), s.Failed)

	again := p.PublishSync(context.Background(), testRecord("tx-lost-ack"))
	require.True(t, again.Success)
	assert.True(t, again.Duplicate)
	assert.Equal(t, out.Token(), again.Token())
}

func TestPublish_LostAckOnLastAttemptStillPublished(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.FailNext(eventlog.ErrUnavailable)
	l.LoseAckNext(1)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, func(o *Options) { o.MaxAttempts = 2 })

	out := p.PublishSync(context.Background(), testRecord("tx-last-ack"))
	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, 2, out.Attempts)
	assert.Len(t, l.EntriesForKey("tx-last-ack"), 1)
	assert.Equal(t, uint64(1), acct.Snapshot().Published)
	assert.Equal(t, uint64(0), acct.Snapshot().Failed)
}

func TestPublish_RetryBudgetExhausted(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.FailNext(eventlog.ErrUnavailable, eventlog.ErrUnavailable, eventlog.ErrUnavailable)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	out := p.PublishSync(context.Background(), testRecord("tx-down"))
	require.False(t, out.Success)
	assert.Equal(t, eventlog.KindUnavailable, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.Err, eventlog.ErrUnavailable)
	var derr *DeliveryError
	require.ErrorAs(t, out.Err, &derr)
	assert.Equal(t, 3, derr.Attempts)

	s := acct.Snapshot()
	assert.Equal(t, uint64(0), s.Published)
	assert.Equal(t, uint64(1), s.Failed)

	// The reservation was released, so a later retry by the caller goes through.
	again := p.PublishSync(context.Background(), testRecord("tx-down"))
	require.True(t, again.Success)
	assert.False(t, again.Duplicate)
}

func TestPublish_PermanentFailureIsNotRetried(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.FailNext(eventlog.ErrUnauthorized)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	out := p.PublishSync(context.Background(), testRecord("tx-denied"))
	require.False(t, out.Success)
	assert.Equal(t, eventlog.KindUnauthorized, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, l.Appends())
	assert.Equal(t, uint64(1), acct.Snapshot().Failed)
}

func TestPublish_OversizedPayloadFailsBeforeSending(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	p := newTestPublisher(t, l, accounting.New(), func(o *Options) { o.MaxMessageBytes = 64 })

	out := p.PublishSync(context.Background(), testRecord("tx-big"))
	require.False(t, out.Success)
	assert.Equal(t, eventlog.KindTooLarge, out.Kind)
	assert.Equal(t, 0, l.Appends())
}

func TestPublish_AttemptTimeoutIsRetriable(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.SetLatency(200 * time.Millisecond)
	p := newTestPublisher(t, l, accounting.New(), func(o *Options) {
		o.AttemptTimeout = 10 * time.Millisecond
		o.MaxAttempts = 2
	})

	out := p.PublishSync(context.Background(), testRecord("tx-slow"))
	require.False(t, out.Success)
	assert.Equal(t, eventlog.KindTimeout, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 0, l.Len())
}

func TestPublishSync_AbandonedSendStillAccounted(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.SetLatency(50 * time.Millisecond)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	out := p.PublishSync(ctx, testRecord("tx-abandoned"))
	assert.False(t, out.Success)
	assert.Equal(t, eventlog.KindAbandoned, out.Kind)
	assert.ErrorIs(t, out.Err, ErrAbandoned)

	require.Eventually(t, func() bool {
		return acct.Snapshot().Published == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), acct.Snapshot().Failed)
	assert.Equal(t, 1, l.Len())
}

func TestPublishAsync_Backpressure(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.SetLatency(100 * time.Millisecond)
	acct := accounting.New()
	p := newTestPublisher(t, l, acct, func(o *Options) {
		o.Workers = 1
		o.QueueDepth = 1
	})

	running := p.PublishAsync(testRecord("tx-a"))
	require.Eventually(t, func() bool { return p.QueueUtilization() == 0 }, time.Second, time.Millisecond)
	queued := p.PublishAsync(testRecord("tx-b"))
	rejected := p.PublishAsync(testRecord("tx-c"))

	out, ok := rejected.Outcome()
	require.True(t, ok, "rejected publish resolves immediately")
	assert.Equal(t, eventlog.KindBackpressure, out.Kind)

	for _, f := range []*Future{running, queued} {
		o, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, o.Success)
	}
	s := acct.Snapshot()
	assert.Equal(t, uint64(2), s.Published)
	assert.Equal(t, uint64(1), s.Failed)
}

func TestPublish_BreakerFailsFastWhileOpen(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 1)
	l.FailNext(eventlog.ErrUnavailable, eventlog.ErrUnavailable)
	p := newTestPublisher(t, l, accounting.New(), func(o *Options) {
		o.MaxAttempts = 1
		o.BreakerFailures = 2
		o.BreakerOpen = time.Minute
	})

	for i := 0; i < 2; i++ {
		out := p.PublishSync(context.Background(), testRecord(fmt.Sprintf("tx-trip-%d", i)))
		require.False(t, out.Success)
	}
	out := p.PublishSync(context.Background(), testRecord("tx-rejected"))
	require.False(t, out.Success)
	assert.Equal(t, eventlog.KindUnavailable, out.Kind)
	assert.ErrorIs(t, out.Err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, l.Appends(), "open breaker must not reach the log")
}

func TestPublish_ManyKeysConcurrently(t *testing.T) {
	l := eventlog.NewMemoryLog("raw-transactions", 3)
	acct := accounting.New()
	var completions atomic.Int64
	p := newTestPublisher(t, l, acct, func(o *Options) {
		o.OnComplete = func(Outcome) { completions.Add(1) }
	})

	const n = 200
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.PublishSync(context.Background(), testRecord(fmt.Sprintf("tx-%03d", i)))
		}(i)
	}
	wg.Wait()

	for i, out := range results {
		assert.True(t, out.Success, "record %d: %+v", i, out)
	}
	assert.Equal(t, n, l.Len())
	assert.Equal(t, int64(n), completions.Load())
	assert.Equal(t, uint64(n), acct.Snapshot().Published)
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := newFuture("x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.True(t, errors.Is(err, ErrAbandoned))
	assert.True(t, errors.Is(err, context.Canceled))

	_, ok := f.Outcome()
	assert.False(t, ok)
	f.resolve(Outcome{RecordID: "x", Success: true})
	out, ok := f.Outcome()
	assert.True(t, ok)
	assert.Equal(t, "x", out.RecordID)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(100*time.Millisecond, time.Second, 0)
	assert.Equal(t, 100*time.Millisecond, b(1))
	assert.Equal(t, 200*time.Millisecond, b(2))
	assert.Equal(t, 400*time.Millisecond, b(3))
	assert.Equal(t, time.Second, b(10))

	jittered := ExponentialBackoff(100*time.Millisecond, 0, 0.2)
	for i := 0; i < 50; i++ {
		d := jittered(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
