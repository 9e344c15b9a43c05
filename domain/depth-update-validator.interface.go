package domain

import (
	"errors"
	"fmt"
)

// IntegrityError is returned by a validator when the book no longer matches
// the exchange. It unwraps to ErrChecksumMismatch or ErrCrossedBook.
type IntegrityError struct {
	Symbol     string
	Reason     IntegrityReason
	Validation *ChecksumValidation
}

func (e *IntegrityError) Error() string {
	if e.Validation != nil {
		return fmt.Sprintf("%s: %s: expected %d, calculated %d",
			e.Symbol, e.Reason, e.Validation.Expected, e.Validation.Calculated)
	}
	return fmt.Sprintf("%s: %s", e.Symbol, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	if e.Reason == IntegrityReason_CrossedBook {
		return ErrCrossedBook
	}
	return ErrChecksumMismatch
}

type IDepthUpdateValidator interface {
	// IsValidUpd checks the book right after update was applied; nil means
	// the book is consistent.
	IsValidUpd(ob *OrderBook, update *OrderBookUpdate) error
}

func IsIntegrityErr(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrCrossedBook)
}
