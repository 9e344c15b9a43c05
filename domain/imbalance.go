package domain

import (
	"fmt"
	"math"
)

type Signal string

const (
	Signal_Bullish Signal = "Bullish"
	Signal_Bearish Signal = "Bearish"
	Signal_Neutral Signal = "Neutral"
)

type ImbalanceMetrics struct {
	BidVolume      float64 `json:"bidVolume"`
	AskVolume      float64 `json:"askVolume"`
	ImbalanceRatio float64 `json:"imbalanceRatio"`
	// BidAskRatio is +Inf when there is no ask volume.
	BidAskRatio float64 `json:"bidAskRatio"`
	BidLevels   int     `json:"bidLevels"`
	AskLevels   int     `json:"askLevels"`
}

func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return nil
}

func (m ImbalanceMetrics) IsBullish(threshold float64) bool {
	return m.ImbalanceRatio > threshold
}

func (m ImbalanceMetrics) IsBearish(threshold float64) bool {
	return m.ImbalanceRatio < -threshold
}

func (m ImbalanceMetrics) Signal(threshold float64) (Signal, error) {
	return signalOf(m.ImbalanceRatio, threshold)
}

// Imbalance is (bid volume - ask volume) / (bid volume + ask volume) over the
// whole snapshot, 0 when both sides are empty.
func (s *OrderBookSnapshot) Imbalance() float64 {
	return imbalance(volume(s.Bids, len(s.Bids)), volume(s.Asks, len(s.Asks)))
}

func (s *OrderBookSnapshot) ImbalanceTopN(n int) float64 {
	return imbalance(volume(s.Bids, n), volume(s.Asks, n))
}

// ImbalanceWithinDepth restricts the imbalance to levels within pct (0.01 is
// 1%) of the mid price. ok is false when the mid price is undefined.
func (s *OrderBookSnapshot) ImbalanceWithinDepth(pct float64) (value float64, ok bool) {
	mid, ok := s.MidPrice()
	if !ok {
		return 0, false
	}
	lower := mid * (1 - pct)
	upper := mid * (1 + pct)

	var bidVol, askVol float64
	for _, l := range s.Bids {
		if l.Price < lower {
			break
		}
		bidVol += l.Qty
	}
	for _, l := range s.Asks {
		if l.Price > upper {
			break
		}
		askVol += l.Qty
	}

	return imbalance(bidVol, askVol), true
}

func (s *OrderBookSnapshot) Signal(threshold float64) (Signal, error) {
	return signalOf(s.Imbalance(), threshold)
}

func (s *OrderBookSnapshot) ImbalanceMetrics() ImbalanceMetrics {
	bidVol := volume(s.Bids, len(s.Bids))
	askVol := volume(s.Asks, len(s.Asks))

	ratio := math.Inf(1)
	if askVol > 0 {
		ratio = bidVol / askVol
	}

	return ImbalanceMetrics{
		BidVolume:      bidVol,
		AskVolume:      askVol,
		ImbalanceRatio: imbalance(bidVol, askVol),
		BidAskRatio:    ratio,
		BidLevels:      len(s.Bids),
		AskLevels:      len(s.Asks),
	}
}

func (ob *OrderBook) Imbalance() float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return imbalance(volume(ob.bids, len(ob.bids)), volume(ob.asks, len(ob.asks)))
}

func (ob *OrderBook) ImbalanceTopN(n int) float64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return imbalance(volume(ob.bids, n), volume(ob.asks, n))
}

func (ob *OrderBook) ImbalanceWithinDepth(pct float64) (float64, bool) {
	return ob.TakeSnapshot(0).ImbalanceWithinDepth(pct)
}

func (ob *OrderBook) Signal(threshold float64) (Signal, error) {
	return signalOf(ob.Imbalance(), threshold)
}

func signalOf(value, threshold float64) (Signal, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return Signal_Neutral, err
	}
	switch {
	case value > threshold:
		return Signal_Bullish, nil
	case value < -threshold:
		return Signal_Bearish, nil
	default:
		return Signal_Neutral, nil
	}
}

func imbalance(bidVol, askVol float64) float64 {
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}

func volume(side []PriceLevel, n int) float64 {
	if n > len(side) {
		n = len(side)
	}
	var v float64
	for i := 0; i < n; i++ {
		v += side[i].Qty
	}
	return v
}
