// Package publish delivers enriched transaction records to the event log.
//
// Every publish, synchronous or not, goes through the same path:
//
//	lane (per-key ordering) → dedup ledger → breaker → log append, retried
//
// and produces exactly one Outcome, which is accounted exactly once no
// matter how many attempts it took.
//
// An attempt that timed out or lost its connection may still have been
// written, so the attempt after it, and the final verdict, ask the log
// whether the record is already there before appending again.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gyaneshwarpardhi/txingest/internal/engine"
	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
	"github.com/gyaneshwarpardhi/txingest/internal/metrics"
	"github.com/gyaneshwarpardhi/txingest/internal/transaction"
)

// Accountant receives one call per terminal outcome.
type Accountant interface {
	RecordPublished()
	RecordFailed(kind string)
}

// Options configures a Publisher. Zero values fall back to defaults.
type Options struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	AttemptTimeout  time.Duration
	Workers         int
	QueueDepth      int
	MaxMessageBytes int

	// BreakerFailures consecutive retriable failures open the breaker for
	// BreakerOpen. Zero failures uses the default; negative disables it.
	BreakerFailures int
	BreakerOpen     time.Duration

	// Backoff overrides the exponential policy built from RetryBackoff.
	Backoff BackoffFunc

	Ledger     Ledger
	Accountant Accountant
	// OnComplete observes every terminal outcome after it is accounted.
	OnComplete func(Outcome)
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 32
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 10000
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpen <= 0 {
		o.BreakerOpen = 30 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(o.RetryBackoff, o.MaxBackoff, 0.2)
	}
	if o.Ledger == nil {
		o.Ledger = NewMemoryLedger(MemoryLedgerOptions{})
	}
	if o.Accountant == nil {
		o.Accountant = nopAccountant{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type nopAccountant struct{}

func (nopAccountant) RecordPublished()    {}
func (nopAccountant) RecordFailed(string) {}

// sendJob is one queued publish. prev is closed when the previous send for
// the same key finished; done is closed when this one has.
type sendJob struct {
	rec      *transaction.Record
	fut      *Future
	prev     <-chan struct{}
	done     chan struct{}
	enqueued time.Time
}

// Publisher owns the log connection. Safe for concurrent use.
type Publisher struct {
	log     eventlog.Log
	opts    Options
	breaker *gobreaker.CircuitBreaker
	pool    *engine.Pool[*sendJob]
	cancel  context.CancelFunc

	lanesMu sync.Mutex
	lanes   map[string]chan struct{}
}

// New creates a Publisher and starts its workers.
func New(log eventlog.Log, opts Options) *Publisher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		log:    log,
		opts:   opts,
		cancel: cancel,
		lanes:  make(map[string]chan struct{}),
	}
	if opts.BreakerFailures > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "eventlog",
			MaxRequests: 1,
			Timeout:     opts.BreakerOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(opts.BreakerFailures)
			},
			// Only failures that say something about broker health count.
			IsSuccessful: func(err error) bool {
				return err == nil || !eventlog.Classify(err).Retriable()
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				opts.Logger.Warn("log circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		})
	}
	p.pool = engine.NewPool[*sendJob](ctx, opts.Workers, opts.QueueDepth, p.process)
	return p
}

// PublishAsync queues rec for delivery and returns immediately. The
// publisher works on a copy; rec may be reused once this returns.
func (p *Publisher) PublishAsync(rec *transaction.Record) *Future {
	j := &sendJob{
		rec:      rec.Clone(),
		fut:      newFuture(rec.ID),
		done:     make(chan struct{}),
		enqueued: time.Now(),
	}

	// The lane and the queue must agree on order, so both happen under
	// lanesMu. Submit never blocks.
	p.lanesMu.Lock()
	if prev, ok := p.lanes[rec.ID]; ok {
		j.prev = prev
	}
	p.lanes[rec.ID] = j.done
	accepted := p.pool.Submit(j)
	p.lanesMu.Unlock()

	metrics.QueueUtilization.Set(p.pool.Utilization())
	if !accepted {
		p.complete(j, Outcome{
			RecordID: rec.ID,
			Kind:     eventlog.KindBackpressure,
			Err: &DeliveryError{
				Kind: eventlog.KindBackpressure,
				Err:  fmt.Errorf("publish queue full (capacity %d)", p.pool.QueueCap()),
			},
		})
	}
	return j.fut
}

// PublishSync publishes rec and blocks until its terminal outcome. If ctx
// ends first the returned outcome has Kind abandoned; the send continues.
func (p *Publisher) PublishSync(ctx context.Context, rec *transaction.Record) Outcome {
	fut := p.PublishAsync(rec)
	out, err := fut.Wait(ctx)
	if err != nil {
		return Outcome{RecordID: rec.ID, Kind: eventlog.KindAbandoned, Err: err}
	}
	return out
}

// QueueUtilization returns queue used / capacity (0–1).
func (p *Publisher) QueueUtilization() float64 {
	return p.pool.Utilization()
}

// Close waits for queued sends to finish, then closes the log.
func (p *Publisher) Close() error {
	p.pool.Drain()
	p.cancel()
	return p.log.Close()
}

func (p *Publisher) process(ctx context.Context, j *sendJob) {
	if j.prev != nil {
		<-j.prev
	}
	p.complete(j, p.deliver(ctx, j.rec))
}

// complete accounts, reports and resolves the outcome, then hands the lane
// to the next send for the key once every earlier send is done.
func (p *Publisher) complete(j *sendJob, out Outcome) {
	if out.Success {
		p.opts.Accountant.RecordPublished()
	} else {
		p.opts.Accountant.RecordFailed(string(out.Kind))
	}
	metrics.PublishDuration.Observe(float64(time.Since(j.enqueued).Milliseconds()))
	if p.opts.OnComplete != nil {
		p.opts.OnComplete(out)
	}
	j.fut.resolve(out)

	release := func() {
		close(j.done)
		p.lanesMu.Lock()
		if p.lanes[j.rec.ID] == j.done {
			delete(p.lanes, j.rec.ID)
		}
		p.lanesMu.Unlock()
	}
	if j.prev == nil {
		release()
		return
	}
	select {
	case <-j.prev:
		release()
	default:
		// Rejected before running: keep later sends behind the earlier one.
		go func() {
			<-j.prev
			release()
		}()
	}
}

func (p *Publisher) deliver(ctx context.Context, rec *transaction.Record) Outcome {
	out := Outcome{RecordID: rec.ID}
	fail := func(kind eventlog.ErrorKind, err error) Outcome {
		out.Kind = kind
		out.Err = &DeliveryError{Kind: kind, Attempts: out.Attempts, Err: err}
		p.opts.Logger.Error("failed to publish transaction",
			"id", rec.ID, "kind", kind, "attempts", out.Attempts, "err", err)
		return out
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fail(eventlog.KindEncoding, fmt.Errorf("%w: %w", eventlog.ErrEncoding, err))
	}
	if len(payload) > p.opts.MaxMessageBytes {
		return fail(eventlog.KindTooLarge, fmt.Errorf("%w: %d bytes exceeds %d",
			eventlog.ErrTooLarge, len(payload), p.opts.MaxMessageBytes))
	}
	msg := eventlog.Message{
		Key:   []byte(rec.ID),
		Value: payload,
		Headers: map[string]string{
			"content-type":          "application/json",
			"kind":                  string(rec.Kind),
			eventlog.SequenceHeader: strconv.FormatUint(rec.Sequence, 10),
		},
		Time: time.Now().UTC(),
	}

	key := dedupKey(rec.ID, rec.Sequence)
	published := func(pos eventlog.Position) Outcome {
		out.Success = true
		out.Position = pos
		metrics.PublishAttempts.WithLabelValues("success").Inc()
		if cerr := p.opts.Ledger.Commit(ctx, key, pos); cerr != nil {
			p.opts.Logger.Warn("dedup ledger commit failed", "id", rec.ID, "err", cerr)
		}
		p.opts.Logger.Info("transaction published",
			"id", rec.ID, "partition", pos.Partition, "offset", pos.Offset, "attempts", out.Attempts)
		return out
	}

	// unsure is set while an earlier attempt may have written msg without
	// the acknowledgement reaching us.
	reserved, unsure := false, false
	for {
		out.Attempts++
		pos, dup, err := p.attempt(ctx, key, msg, &reserved, &unsure)
		if err == nil {
			if dup {
				out.Success = true
				out.Position = pos
				out.Duplicate = true
				metrics.DedupHits.Inc()
				p.opts.Logger.Info("transaction already published",
					"id", rec.ID, "partition", pos.Partition, "offset", pos.Offset)
				return out
			}
			return published(pos)
		}

		kind := eventlog.Classify(err)
		metrics.PublishAttempts.WithLabelValues(string(kind)).Inc()
		if kind.Retriable() && out.Attempts < p.opts.MaxAttempts {
			wait := p.opts.Backoff(out.Attempts)
			p.opts.Logger.Warn("publish attempt failed, retrying",
				"id", rec.ID, "attempt", out.Attempts, "kind", kind, "backoff", wait, "err", err)
			if sleepCtx(ctx, wait) == nil {
				continue
			}
		}

		if unsure {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.AttemptTimeout)
			pos, found, lerr := p.log.Locate(lctx, msg)
			cancel()
			switch {
			case lerr != nil:
				// Keep the reservation: it expires on its own, and until then
				// nobody can append a second copy.
				p.opts.Logger.Warn("delivery outcome unknown",
					"id", rec.ID, "attempts", out.Attempts, "err", lerr)
				return fail(kind, err)
			case found:
				return published(pos)
			}
		}
		p.release(ctx, key, reserved)
		return fail(kind, err)
	}
}

// attempt makes one delivery try. dup is true when the ledger already held
// a committed position for key.
func (p *Publisher) attempt(ctx context.Context, key string, msg eventlog.Message, reserved, unsure *bool) (pos eventlog.Position, dup bool, err error) {
	if !*reserved {
		state, prior, err := p.opts.Ledger.Reserve(ctx, key)
		if err != nil {
			return pos, false, fmt.Errorf("%w: dedup ledger: %w", eventlog.ErrUnavailable, err)
		}
		switch state {
		case Committed:
			return prior, true, nil
		case InFlight:
			return pos, false, fmt.Errorf("%w: %s is being published by another sender", eventlog.ErrUnavailable, key)
		}
		*reserved = true
	}

	actx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()
	send := func() (eventlog.Position, error) {
		if *unsure {
			pos, found, err := p.log.Locate(actx, msg)
			if err != nil {
				return pos, err
			}
			if found {
				*unsure = false
				return pos, nil
			}
		}
		pos, err := p.log.Append(actx, msg)
		*unsure = err != nil && eventlog.Classify(err).Ambiguous()
		return pos, err
	}
	if p.breaker == nil {
		pos, err = send()
		return pos, false, err
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return send()
	})
	if err != nil {
		return pos, false, err
	}
	return res.(eventlog.Position), false, nil
}

func (p *Publisher) release(ctx context.Context, key string, reserved bool) {
	if !reserved {
		return
	}
	// The publisher context may already be done; releasing must still happen.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.opts.Ledger.Release(rctx, key); err != nil {
		p.opts.Logger.Warn("dedup ledger release failed", "key", key, "err", err)
	}
}
