package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(bids, asks []PriceLevel) *OrderBookSnapshot {
	return &OrderBookSnapshot{Bids: bids, Asks: asks}
}

func TestImbalance(t *testing.T) {
	tests := []struct {
		name     string
		bids     []PriceLevel
		asks     []PriceLevel
		expected float64
	}{
		{"Balanced", levels(100, 2, 99, 3), levels(101, 1, 102, 4), 0},
		{"Empty", nil, nil, 0},
		{"OnlyBids", levels(100, 2), nil, 1},
		{"OnlyAsks", nil, levels(101, 2), -1},
		{"BidHeavy", levels(100, 3), levels(101, 1), 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := snap(tt.bids, tt.asks).Imbalance()
			assert.InDelta(t, tt.expected, value, 1e-12)
			assert.GreaterOrEqual(t, value, -1.0)
			assert.LessOrEqual(t, value, 1.0)
		})
	}
}

func TestImbalanceTopN(t *testing.T) {
	s := snap(levels(100, 1, 99, 10), levels(101, 1, 102, 1))

	assert.Equal(t, 0.0, s.ImbalanceTopN(1))
	assert.InDelta(t, 9.0/13.0, s.ImbalanceTopN(2), 1e-12)
	assert.InDelta(t, s.Imbalance(), s.ImbalanceTopN(50), 1e-12)
}

func TestImbalanceWithinDepth(t *testing.T) {
	s := snap(levels(100, 4, 90, 100), levels(102, 2, 120, 100))

	// mid 101, 5% window is [95.95, 106.05]
	value, ok := s.ImbalanceWithinDepth(0.05)
	require.True(t, ok)
	assert.InDelta(t, (4.0-2.0)/6.0, value, 1e-12)

	_, ok = snap(levels(100, 1), nil).ImbalanceWithinDepth(0.05)
	assert.False(t, ok, "mid price undefined")
}

func TestSignal(t *testing.T) {
	tests := []struct {
		name      string
		bids      []PriceLevel
		asks      []PriceLevel
		threshold float64
		expected  Signal
	}{
		{"Bullish", levels(100, 3), levels(101, 1), 0.2, Signal_Bullish},
		{"Bearish", levels(100, 1), levels(101, 3), 0.2, Signal_Bearish},
		{"Neutral", levels(100, 1), levels(101, 1), 0.2, Signal_Neutral},
		{"AtThreshold", levels(100, 3), levels(101, 1), 0.5, Signal_Neutral},
		{"MaxThreshold", levels(100, 3), nil, 1, Signal_Neutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := snap(tt.bids, tt.asks).Signal(tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s)
		})
	}
}

func TestSignal_InvalidThreshold(t *testing.T) {
	s := snap(levels(100, 1), levels(101, 1))

	for _, th := range []float64{0, -0.1, 1.01, math.NaN()} {
		_, err := s.Signal(th)
		assert.ErrorIs(t, err, ErrInvalidThreshold, "threshold %v", th)
	}
}

func TestImbalanceMetrics(t *testing.T) {
	m := snap(levels(100, 2, 99, 3), levels(101, 1, 102, 4)).ImbalanceMetrics()

	assert.Equal(t, 5.0, m.BidVolume)
	assert.Equal(t, 5.0, m.AskVolume)
	assert.Equal(t, 0.0, m.ImbalanceRatio)
	assert.Equal(t, 1.0, m.BidAskRatio)
	assert.Equal(t, 2, m.BidLevels)
	assert.Equal(t, 2, m.AskLevels)
	assert.False(t, m.IsBullish(0.1))
	assert.False(t, m.IsBearish(0.1))

	m = snap(levels(100, 2), nil).ImbalanceMetrics()
	assert.True(t, math.IsInf(m.BidAskRatio, 1))
	sig, err := m.Signal(0.5)
	require.NoError(t, err)
	assert.Equal(t, Signal_Bullish, sig)
}

func TestOrderBook_ImbalanceMatchesSnapshot(t *testing.T) {
	ob := newTestBook(t)
	require.NoError(t, ob.ApplyUpdate(updateMsg("BTC/USD", levels(98, 6), nil)))

	s := ob.TakeSnapshot(0)
	assert.Equal(t, s.Imbalance(), ob.Imbalance())
	assert.Equal(t, s.ImbalanceTopN(1), ob.ImbalanceTopN(1))

	sig, err := ob.Signal(0.3)
	require.NoError(t, err)
	assert.Equal(t, Signal_Bullish, sig)
}
