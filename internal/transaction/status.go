package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a transaction across the pipeline.
type Status string

const (
	StatusPending          Status = "pending"
	StatusValidating       Status = "validating"
	StatusValidated        Status = "validated"
	StatusValidationFailed Status = "validation_failed"
	StatusFraudReview      Status = "fraud_review"
	StatusSettling         Status = "settling"
	StatusSettled          Status = "settled"
	StatusSettlementFailed Status = "settlement_failed"
	StatusRejected         Status = "rejected"
	StatusCancelled        Status = "cancelled"
	StatusRefunded         Status = "refunded"
)

var (
	// ErrIllegalTransition is returned when a move is not an edge of the lifecycle graph.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrTerminalStatus is returned when a terminal record would be moved.
	ErrTerminalStatus = errors.New("status is terminal")
	// ErrUnknownStatus is returned for values outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown status")
)

// transitions is the forward-only lifecycle graph. Cancellation from any
// active state is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:     {StatusValidating},
	StatusValidating:  {StatusValidated, StatusValidationFailed},
	StatusValidated:   {StatusFraudReview, StatusSettling},
	StatusFraudReview: {StatusRejected, StatusValidated},
	StatusSettling:    {StatusSettled, StatusSettlementFailed},
}

// Known reports whether s is part of the lifecycle.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusValidating, StatusValidated, StatusValidationFailed,
		StatusFraudReview, StatusSettling, StatusSettled, StatusSettlementFailed,
		StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusRejected, StatusCancelled, StatusRefunded, StatusSettlementFailed:
		return true
	}
	return false
}

// IsActive reports whether a record in s can still be processed.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusValidating, StatusValidated, StatusSettling:
		return true
	}
	return false
}

// CanTransition reports whether s → to is an edge of the lifecycle graph.
func (s Status) CanTransition(to Status) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return s.IsActive()
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition is CanTransition with a descriptive error.
func checkTransition(from, to Status) error {
	switch {
	case !from.Known():
		return fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	case !to.Known():
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	case from.IsTerminal():
		return fmt.Errorf("%w: %s", ErrTerminalStatus, from)
	case !from.CanTransition(to):
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// UnmarshalJSON lower-cases the wire value ("PENDING" → pending).
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = Status(strings.ToLower(strings.TrimSpace(raw)))
	return nil
}
