package transaction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the business type of a transaction.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindTransfer   Kind = "transfer"
	KindPayment    Kind = "payment"
	KindRefund     Kind = "refund"
	KindFee        Kind = "fee"
	KindInterest   Kind = "interest"
	KindAdjustment Kind = "adjustment"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{
	KindDeposit, KindWithdrawal, KindTransfer, KindPayment,
	KindRefund, KindFee, KindInterest, KindAdjustment,
}

// ParseKind accepts any casing ("PAYMENT", "payment").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown transaction kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsDebit reports whether money leaves the subject account.
func (k Kind) IsDebit() bool {
	switch k {
	case KindWithdrawal, KindTransfer, KindPayment, KindFee:
		return true
	}
	return false
}

// IsCredit reports whether money enters the subject account.
// Adjustments are neither debit nor credit.
func (k Kind) IsCredit() bool {
	switch k {
	case KindDeposit, KindRefund, KindInterest:
		return true
	}
	return false
}

// UnmarshalJSON normalizes casing so upstream producers sending "PAYMENT"
// still validate. Unknown values are kept and rejected by validation.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k = Kind(strings.ToLower(strings.TrimSpace(s)))
	return nil
}
