// Package enrich fills defaults on incoming transaction records and rejects
// the ones that must not enter the pipeline.
package enrich

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/txingest/internal/metrics"
	"github.com/gyaneshwarpardhi/txingest/internal/transaction"
)

// DefaultHighValueThreshold is the advisory limit used when none is configured.
var DefaultHighValueThreshold = decimal.NewFromInt(100000)

// HighValueHook is called for records above the advisory threshold.
// It observes only; it cannot reject or reroute the record.
type HighValueHook func(rec *transaction.Record, threshold decimal.Decimal)

// Options configures an Enricher. Zero values fall back to defaults.
type Options struct {
	DefaultCurrency string
	// HighValueThreshold falls back to DefaultHighValueThreshold only when
	// not Valid. A valid zero flags every record.
	HighValueThreshold decimal.NullDecimal
	OnHighValue        HighValueHook
	Now                func() time.Time
	Logger             *slog.Logger
}

// Enricher is stateless after construction and safe for concurrent use.
type Enricher struct {
	currency  string
	threshold decimal.Decimal
	hook      HighValueHook
	now       func() time.Time
	log       *slog.Logger
	validate  *validator.Validate
}

// New creates an Enricher from opts.
func New(opts Options) *Enricher {
	e := &Enricher{
		currency:  opts.DefaultCurrency,
		threshold: DefaultHighValueThreshold,
		hook:      opts.OnHighValue,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if e.currency == "" {
		e.currency = "USD"
	}
	if opts.HighValueThreshold.Valid {
		e.threshold = opts.HighValueThreshold.Decimal
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.hook == nil {
		e.hook = e.logHighValue
	}

	e.validate = validator.New()
	// Report json names so error fields match what the caller sent.
	e.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return e
}

// EnrichAndValidate fills missing defaults on rec, then checks it. On
// success rec is returned ready to publish. On failure the error is a
// *ValidationError. A rejected record that is pending or validating, or
// whose status is not a lifecycle state at all, is marked
// validation_failed; any other status is left as it was.
func (e *Enricher) EnrichAndValidate(rec *transaction.Record) (*transaction.Record, error) {
	e.enrich(rec)

	if verr := e.check(rec); verr != nil {
		switch {
		case rec.Status == transaction.StatusPending,
			rec.Status == transaction.StatusValidating,
			!rec.Status.Known():
			rec.Status = transaction.StatusValidationFailed
		}
		e.log.Debug("transaction rejected", "id", rec.ID, "code", verr.Code, "reason", verr.Message)
		return rec, verr
	}

	if rec.Amount.Decimal.GreaterThan(e.threshold) {
		e.hook(rec, e.threshold)
	}
	e.log.Debug("transaction enriched", "id", rec.ID)
	return rec, nil
}

func (e *Enricher) enrich(rec *transaction.Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == nil {
		now := e.now().UTC()
		rec.CreatedAt = &now
	}
	if rec.Status == "" {
		rec.Status = transaction.StatusPending
	}
	if rec.Currency == "" {
		rec.Currency = e.currency
	}
}

func (e *Enricher) check(rec *transaction.Record) *ValidationError {
	switch {
	case !rec.Status.Known():
		return invalid(InvalidStatus, "status", "unknown status %q", rec.Status)
	case rec.Status.IsTerminal():
		return invalid(TerminalStatus, "status", "record is already %s", rec.Status)
	case !rec.HasAmount():
		return invalid(MissingAmount, "amount", "transaction amount is required")
	case !rec.Amount.Decimal.IsPositive():
		return invalid(NonPositiveAmount, "amount", "transaction amount must be positive, got %s", rec.Amount.Decimal)
	}

	err := e.validate.Struct(rec)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid(InvalidField, "", "%v", err)
	}
	return fromFieldError(fieldErrs[0])
}

func fromFieldError(fe validator.FieldError) *ValidationError {
	field := fe.Field()
	switch {
	case field == "subject_account":
		return invalid(MissingSubjectAccount, field, "subject account is required")
	case field == "kind" && fe.Tag() == "required":
		return invalid(MissingKind, field, "transaction kind is required")
	case field == "kind":
		return invalid(InvalidKind, field, "unknown transaction kind %q", fe.Value())
	case field == "target_account":
		return invalid(MissingTargetAccount, field, "target account is required for transfers")
	case field == "currency":
		return invalid(InvalidCurrency, field, "%q is not an ISO 4217 currency code", fe.Value())
	}
	return invalid(InvalidField, field, "failed %q check", fe.Tag())
}

func (e *Enricher) logHighValue(rec *transaction.Record, threshold decimal.Decimal) {
	metrics.HighValue.Inc()
	e.log.Warn("high-value transaction detected",
		"id", rec.ID,
		"amount", rec.Amount.Decimal.String(),
		"currency", rec.Currency,
		"threshold", threshold.String(),
	)
}
