package kraken

import "github.com/spooky-finn/go-marketstream/domain"

// KrakenDepthUpdateValidator checks the book after each delta: it must not be
// crossed and, when the message carries one, the checksum over the top
// ChecksumDepth levels must match.
type KrakenDepthUpdateValidator struct {
	ChecksumDepth    int
	ValidateChecksum bool
}

func (v *KrakenDepthUpdateValidator) IsValidUpd(ob *domain.OrderBook, update *domain.OrderBookUpdate) error {
	if ob.IsCrossed() {
		return &domain.IntegrityError{Symbol: ob.Symbol, Reason: domain.IntegrityReason_CrossedBook}
	}

	if !v.ValidateChecksum || !update.HasChecksum {
		return nil
	}

	validation := ob.ChecksumValidation(update.Checksum, v.ChecksumDepth)
	if !validation.Valid {
		return &domain.IntegrityError{
			Symbol:     ob.Symbol,
			Reason:     domain.IntegrityReason_ChecksumMismatch,
			Validation: validation,
		}
	}
	return nil
}
