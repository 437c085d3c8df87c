package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
)

// ErrAbandoned is returned by Future.Wait when the caller stops waiting.
// The send itself carries on and is still accounted.
var ErrAbandoned = errors.New("stopped waiting for delivery outcome")

// DeliveryError is the terminal failure of one publish.
type DeliveryError struct {
	Kind     eventlog.ErrorKind
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s after %d attempt(s)): %v", e.Kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Outcome is the terminal result of publishing one record.
type Outcome struct {
	RecordID  string             `json:"record_id"`
	Success   bool               `json:"success"`
	Position  eventlog.Position  `json:"position"`
	Kind      eventlog.ErrorKind `json:"error_kind,omitempty"`
	Err       error              `json:"-"`
	Attempts  int                `json:"attempts"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// Token is the opaque position token of a successful outcome.
func (o Outcome) Token() string {
	if !o.Success {
		return ""
	}
	return o.Position.String()
}

// Future resolves once with the Outcome of an asynchronous publish.
type Future struct {
	recordID string
	done     chan struct{}
	out      Outcome
}

func newFuture(id string) *Future {
	return &Future{recordID: id, done: make(chan struct{})}
}

func (f *Future) resolve(out Outcome) {
	f.out = out
	close(f.done)
}

// RecordID is the key the future was created for.
func (f *Future) RecordID() string { return f.recordID }

// Done is closed when the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Outcome returns the outcome without blocking; ok is false while pending.
func (f *Future) Outcome() (out Outcome, ok bool) {
	select {
	case <-f.done:
		return f.out, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}
