package transaction

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStatus_Classification(t *testing.T) {
	terminal := []Status{StatusSettled, StatusRejected, StatusCancelled, StatusRefunded, StatusSettlementFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	active := []Status{StatusPending, StatusValidating, StatusValidated, StatusSettling}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	// Neither active nor terminal.
	for _, s := range []Status{StatusValidationFailed, StatusFraudReview} {
		if s.IsActive() || s.IsTerminal() {
			t.Errorf("%s should be neither active nor terminal", s)
		}
	}
}

func TestStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusValidating, true},
		{StatusValidating, StatusValidated, true},
		{StatusValidating, StatusValidationFailed, true},
		{StatusValidated, StatusFraudReview, true},
		{StatusValidated, StatusSettling, true},
		{StatusFraudReview, StatusRejected, true},
		{StatusFraudReview, StatusValidated, true},
		{StatusSettling, StatusSettled, true},
		{StatusSettling, StatusSettlementFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusSettling, StatusCancelled, true},

		// backwards / skipping
		{StatusValidated, StatusPending, false},
		{StatusPending, StatusSettled, false},
		{StatusValidating, StatusPending, false},
		// fraud review is not active, so not cancellable
		{StatusFraudReview, StatusCancelled, false},
		// nothing leaves a terminal state
		{StatusSettled, StatusCancelled, false},
		{StatusRejected, StatusValidated, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecord_Advance(t *testing.T) {
	r := &Record{Status: StatusPending}
	if err := r.Advance(StatusValidating); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != StatusValidating {
		t.Fatalf("status = %s, want validating", r.Status)
	}

	err := r.Advance(StatusSettled)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if r.Status != StatusValidating {
		t.Errorf("status must not change on illegal transition, got %s", r.Status)
	}

	done := &Record{Status: StatusSettled}
	if err := done.Advance(StatusCancelled); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("expected ErrTerminalStatus, got %v", err)
	}

	odd := &Record{Status: "archived"}
	if err := odd.Advance(StatusValidating); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestKind_DebitCredit(t *testing.T) {
	debit := map[Kind]bool{KindWithdrawal: true, KindTransfer: true, KindPayment: true, KindFee: true}
	credit := map[Kind]bool{KindDeposit: true, KindRefund: true, KindInterest: true}
	for _, k := range Kinds {
		if k.IsDebit() != debit[k] {
			t.Errorf("%s IsDebit = %v", k, k.IsDebit())
		}
		if k.IsCredit() != credit[k] {
			t.Errorf("%s IsCredit = %v", k, k.IsCredit())
		}
	}
	if KindAdjustment.IsDebit() || KindAdjustment.IsCredit() {
		t.Errorf("adjustment must be neither debit nor credit")
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" PAYMENT ")
	if err != nil || k != KindPayment {
		t.Errorf("ParseKind(PAYMENT) = %q, %v", k, err)
	}
	if _, err := ParseKind("loan"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}

func TestRecord_UnmarshalUpperCase(t *testing.T) {
	var r Record
	body := `{"id":"t1","subject_account":"u1","amount":250.00,"kind":"PAYMENT","status":"PENDING"}`
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Kind != KindPayment {
		t.Errorf("kind = %q, want payment", r.Kind)
	}
	if r.Status != StatusPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
	if !r.HasAmount() || r.Amount.Decimal.String() != "250" {
		t.Errorf("amount = %v (valid=%v)", r.Amount.Decimal, r.Amount.Valid)
	}

	var missing Record
	if err := json.Unmarshal([]byte(`{"subject_account":"u1"}`), &missing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if missing.HasAmount() {
		t.Errorf("absent amount must not be valid")
	}
}
