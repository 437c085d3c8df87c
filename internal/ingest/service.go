// Package ingest runs submitted transactions through enrichment and
// publishing, one at a time or as a batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/txingest/internal/accounting"
	"github.com/gyaneshwarpardhi/txingest/internal/enrich"
	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
	"github.com/gyaneshwarpardhi/txingest/internal/publish"
	"github.com/gyaneshwarpardhi/txingest/internal/transaction"
)

// PendingReason is reported for batch records whose outcome was not known
// when the batch timeout expired.
const PendingReason = "outcome pending"

// DuplicateReason is reported for a batch record that repeats an id seen
// earlier in the same batch. It is keyed "<id>#<index>" so the first
// record's own result is kept.
const DuplicateReason = "duplicate id in batch"

// Receipt is what a single submission gets back.
type Receipt struct {
	ID       string             `json:"id"`
	Accepted bool               `json:"accepted"`
	Status   transaction.Status `json:"status"`
	Position string             `json:"position,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Code     string             `json:"code,omitempty"`
	Err      error              `json:"-"`
}

// Rejected reports whether the record was refused by validation, as
// opposed to failing delivery.
func (r Receipt) Rejected() bool {
	return errors.Is(r.Err, enrich.ErrValidation)
}

// BatchResult aggregates a batch. Errors holds one reason per record that
// did not reach a successful publish, so Total == Succeeded + len(Errors).
type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Errors    map[string]string `json:"errors"`
}

type Options struct {
	// BatchTimeout bounds how long IngestBatch waits for outcomes.
	BatchTimeout time.Duration
	Logger       *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	enricher     *enrich.Enricher
	pub          *publish.Publisher
	acct         *accounting.Accountant
	batchTimeout time.Duration
	log          *slog.Logger
}

func New(e *enrich.Enricher, p *publish.Publisher, acct *accounting.Accountant, opts Options) *Service {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		enricher:     e,
		pub:          p,
		acct:         acct,
		batchTimeout: opts.BatchTimeout,
		log:          opts.Logger,
	}
}

// Ingest enriches, validates and synchronously publishes rec. Failures are
// reported in the receipt, never returned as errors.
func (s *Service) Ingest(ctx context.Context, rec *transaction.Record) Receipt {
	rec, verr := s.admit(rec)
	if verr != nil {
		return rejected(rec, verr)
	}

	out := s.pub.PublishSync(ctx, rec)
	r := Receipt{ID: rec.ID, Status: rec.Status}
	if out.Success {
		r.Accepted = true
		r.Position = out.Token()
		return r
	}
	r.Code = string(out.Kind)
	r.Err = out.Err
	if out.Err != nil {
		r.Reason = out.Err.Error()
	}
	return r
}

// IngestBatch dispatches every record without waiting on the others, then
// collects outcomes until the batch timeout. One bad record never stops
// the rest.
func (s *Service) IngestBatch(ctx context.Context, recs []*transaction.Record) BatchResult {
	res := BatchResult{Total: len(recs), Errors: make(map[string]string)}
	futures := make([]*publish.Future, 0, len(recs))
	seen := make(map[string]bool, len(recs))

	for i, rec := range recs {
		if rec != nil && rec.ID != "" {
			if seen[rec.ID] {
				s.acct.RecordReceived()
				s.acct.RecordFailed("duplicate")
				s.log.Warn("transaction rejected", "id", rec.ID, "reason", DuplicateReason)
				res.Errors[fmt.Sprintf("%s#%d", rec.ID, i)] = DuplicateReason
				continue
			}
			seen[rec.ID] = true
		}
		rec, verr := s.admit(rec)
		if verr != nil {
			res.Errors[rec.ID] = verr.Error()
			continue
		}
		futures = append(futures, s.pub.PublishAsync(rec))
	}

	wctx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()
	pending := 0
	for _, f := range futures {
		out, err := f.Wait(wctx)
		switch {
		case err != nil:
			pending++
			res.Errors[f.RecordID()] = PendingReason
		case out.Success:
			res.Succeeded++
		case out.Err != nil:
			res.Errors[f.RecordID()] = out.Err.Error()
		default:
			res.Errors[f.RecordID()] = string(out.Kind)
		}
	}

	s.log.Info("batch ingested",
		"total", res.Total, "succeeded", res.Succeeded, "failed", len(res.Errors)-pending, "pending", pending)
	return res
}

// admit counts rec as received and runs it through the enricher. A
// rejected record is accounted as failed here since it never reaches the
// publisher.
func (s *Service) admit(rec *transaction.Record) (*transaction.Record, *enrich.ValidationError) {
	if rec == nil {
		rec = &transaction.Record{}
	}
	s.acct.RecordReceived()
	rec, err := s.enricher.EnrichAndValidate(rec)
	if err != nil {
		var verr *enrich.ValidationError
		if !errors.As(err, &verr) {
			verr = &enrich.ValidationError{Code: enrich.InvalidField, Message: err.Error()}
		}
		s.acct.RecordFailed("validation")
		s.log.Warn("transaction rejected", "id", rec.ID, "code", verr.Code, "reason", verr.Message)
		return rec, verr
	}
	s.acct.RecordEnrichedAndValid()
	return rec, nil
}

func rejected(rec *transaction.Record, verr *enrich.ValidationError) Receipt {
	return Receipt{
		ID:     rec.ID,
		Status: rec.Status,
		Reason: verr.Message,
		Code:   string(verr.Code),
		Err:    verr,
	}
}

// DeliveryFailed reports whether the receipt is a publish failure, including
// a caller that stopped waiting.
func (r Receipt) DeliveryFailed() bool {
	return !r.Accepted && !r.Rejected()
}

// Abandoned reports whether the caller stopped waiting before the outcome.
func (r Receipt) Abandoned() bool {
	return r.Code == string(eventlog.KindAbandoned)
}
