package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel is assigned by downstream fraud scoring; ingestion passes it through.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Record is the canonical transaction model published to the log.
// Everything except Status is fixed once the record leaves enrichment.
type Record struct {
	ID             string              `json:"id"`
	SubjectAccount string              `json:"subject_account" validate:"required"`
	Amount         decimal.NullDecimal `json:"amount"`
	Kind           Kind                `json:"kind" validate:"required,oneof=deposit withdrawal transfer payment refund fee interest adjustment"`
	TargetAccount  string              `json:"target_account,omitempty" validate:"required_if=Kind transfer"`
	Status         Status              `json:"status"`
	CreatedAt      *time.Time          `json:"created_at,omitempty"`
	Currency       string              `json:"currency" validate:"omitempty,iso4217"`
	RiskLevel      RiskLevel           `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Metadata       string              `json:"metadata,omitempty"`

	// Sequence orders re-emissions of the same id; (ID, Sequence) is the
	// deduplication identity on the log.
	Sequence uint64 `json:"sequence"`

	// Context for fraud scoring, not interpreted here.
	MerchantID string `json:"merchant_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Location   string `json:"location,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty" validate:"omitempty,ip"`
}

// Advance moves the record along the lifecycle graph.
func (r *Record) Advance(to Status) error {
	if err := checkTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	return nil
}

// HasAmount reports whether an amount was supplied at all.
func (r *Record) HasAmount() bool {
	return r.Amount.Valid
}

// Clone returns a copy that shares no mutable state with r.
func (r *Record) Clone() *Record {
	c := *r
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		c.CreatedAt = &t
	}
	return &c
}
