package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checksumValidator mirrors what an exchange validator does: compare the
// carried checksum with the book and reject crossed books.
type checksumValidator struct {
	depth int
}

func (v *checksumValidator) IsValidUpd(ob *OrderBook, update *OrderBookUpdate) error {
	if ob.IsCrossed() {
		return &IntegrityError{Symbol: ob.Symbol, Reason: IntegrityReason_CrossedBook}
	}
	if !update.HasChecksum {
		return nil
	}
	validation := ob.ChecksumValidation(update.Checksum, v.depth)
	if !validation.Valid {
		return &IntegrityError{Symbol: ob.Symbol, Reason: IntegrityReason_ChecksumMismatch, Validation: validation}
	}
	return nil
}

type maintainerRecorder struct {
	resyncs []string
	events  []IntegrityEvent
}

func newTestMaintainer(autoResync bool) (*OrderbookMaintainer, *maintainerRecorder) {
	rec := &maintainerRecorder{}
	m := NewOrderBookMaintainer(&checksumValidator{depth: 2}, autoResync)
	m.OnResync(func(symbol string) { rec.resyncs = append(rec.resyncs, symbol) })
	m.OnIntegrityFailure(func(ev IntegrityEvent) { rec.events = append(rec.events, ev) })
	return m, rec
}

func TestMaintainer_UntrackedSymbol(t *testing.T) {
	m, _ := newTestMaintainer(true)

	_, err := m.Apply(snapshotMsg("ETH/USD", levels(10, 1), levels(11, 1)))
	assert.ErrorIs(t, err, ErrOrderBookNotFound)
	assert.Equal(t, 0, m.OrderBookCount())
}

func TestMaintainer_DeltaBeforeSnapshot(t *testing.T) {
	m, _ := newTestMaintainer(true)
	m.Track("BTC/USD", 10)

	_, err := m.Apply(updateMsg("BTC/USD", levels(100, 1), nil))
	assert.ErrorIs(t, err, ErrOrderBookNotFound)
}

func TestMaintainer_SnapshotThenDelta(t *testing.T) {
	m, rec := newTestMaintainer(true)
	m.Track("BTC/USD", 10)

	s, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2, 99, 3), levels(101, 1, 102, 4)))
	require.NoError(t, err)
	assert.Equal(t, 1, m.OrderBookCount())
	assert.Equal(t, 0.0, s.Imbalance())

	upd := updateMsg("BTC/USD", levels(100, 0), nil)
	upd.Checksum = Checksum(levels(99, 3), levels(101, 1, 102, 4), 2)
	upd.HasChecksum = true

	s, err = m.Apply(upd)
	require.NoError(t, err)
	bid, _ := s.BestBid()
	assert.Equal(t, 99.0, bid.Price)
	assert.True(t, s.ChecksumValid)
	assert.Empty(t, rec.resyncs)
	assert.Empty(t, rec.events)
}

func TestMaintainer_ChecksumMismatchResyncsOnce(t *testing.T) {
	m, rec := newTestMaintainer(true)
	m.Track("BTC/USD", 10)
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2, 99, 3), levels(101, 1, 102, 4)))
	require.NoError(t, err)

	bad := updateMsg("BTC/USD", levels(99, 5), nil)
	bad.Checksum = 12345
	bad.HasChecksum = true

	s, err := m.Apply(bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	require.NotNil(t, s)
	assert.Equal(t, OrderBookStatus_Invalid, s.Status)
	assert.False(t, s.ChecksumValid)

	// further deltas are dropped while the resync is pending
	_, err = m.Apply(bad)
	assert.ErrorIs(t, err, ErrOrderBookInvalid)
	_, err = m.Apply(updateMsg("BTC/USD", levels(98, 1), nil))
	assert.ErrorIs(t, err, ErrOrderBookInvalid)

	assert.Equal(t, []string{"BTC/USD"}, rec.resyncs)
	require.Len(t, rec.events, 1)
	assert.Equal(t, IntegrityReason_ChecksumMismatch, rec.events[0].Reason)
	assert.True(t, rec.events[0].Resync)
	require.NotNil(t, rec.events[0].Validation)
	assert.Equal(t, uint32(12345), rec.events[0].Validation.Expected)

	_, err = m.Snapshot("BTC/USD", 0)
	assert.ErrorIs(t, err, ErrOrderBookInvalid)

	// a fresh snapshot restores the book
	s, err = m.Apply(snapshotMsg("BTC/USD", levels(100, 1), levels(101, 1)))
	require.NoError(t, err)
	assert.Equal(t, OrderBookStatus_Ok, s.Status)

	_, err = m.Apply(bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Len(t, rec.resyncs, 2)
}

func TestMaintainer_FlagModeKeepsApplying(t *testing.T) {
	m, rec := newTestMaintainer(false)
	m.Track("BTC/USD", 10)
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2), levels(101, 1)))
	require.NoError(t, err)

	bad := updateMsg("BTC/USD", levels(99, 5), nil)
	bad.Checksum = 1
	bad.HasChecksum = true
	_, err = m.Apply(bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	s, err := m.Apply(updateMsg("BTC/USD", levels(98, 1), nil))
	assert.ErrorIs(t, err, ErrOrderBookInvalid)
	require.NotNil(t, s)
	assert.Len(t, s.Bids, 3)

	assert.Empty(t, rec.resyncs)
	require.Len(t, rec.events, 1)
	assert.False(t, rec.events[0].Resync)
}

func TestMaintainer_CrossedBook(t *testing.T) {
	m, rec := newTestMaintainer(true)
	m.Track("BTC/USD", 10)
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2), levels(101, 1)))
	require.NoError(t, err)

	_, err = m.Apply(updateMsg("BTC/USD", levels(102, 1), nil))
	assert.ErrorIs(t, err, ErrCrossedBook)
	require.Len(t, rec.events, 1)
	assert.Equal(t, IntegrityReason_CrossedBook, rec.events[0].Reason)
	assert.Equal(t, []string{"BTC/USD"}, rec.resyncs)
}

func TestMaintainer_CrossedSnapshotsResyncOnce(t *testing.T) {
	m, rec := newTestMaintainer(true)
	m.Track("BTC/USD", 10)

	for i := 0; i < 3; i++ {
		_, err := m.Apply(snapshotMsg("BTC/USD", levels(102, 1), levels(101, 1)))
		assert.ErrorIs(t, err, ErrCrossedBook)
	}
	assert.Len(t, rec.events, 3)
	assert.Equal(t, []string{"BTC/USD"}, rec.resyncs)

	// a clean snapshot re-arms the resync
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 1), levels(101, 1)))
	require.NoError(t, err)
	_, err = m.Apply(snapshotMsg("BTC/USD", levels(102, 1), levels(101, 1)))
	assert.ErrorIs(t, err, ErrCrossedBook)
	assert.Equal(t, []string{"BTC/USD", "BTC/USD"}, rec.resyncs)
}

func TestMaintainer_MarkAllStale(t *testing.T) {
	m, _ := newTestMaintainer(true)
	m.Track("BTC/USD", 10)
	m.Track("ETH/USD", 10)
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2), levels(101, 1)))
	require.NoError(t, err)

	assert.Equal(t, 1, m.MarkAllStale())

	s, err := m.Snapshot("BTC/USD", 0)
	assert.ErrorIs(t, err, ErrOrderBookStale)
	require.NotNil(t, s)
	assert.Equal(t, OrderBookStatus_Stale, s.Status)

	_, err = m.Apply(updateMsg("BTC/USD", levels(99, 1), nil))
	assert.ErrorIs(t, err, ErrOrderBookStale)

	_, err = m.Apply(snapshotMsg("BTC/USD", levels(100, 1), levels(101, 1)))
	require.NoError(t, err)
	_, err = m.Snapshot("BTC/USD", 0)
	assert.NoError(t, err)
}

func TestMaintainer_TruncatesToTrackedDepth(t *testing.T) {
	m, _ := newTestMaintainer(true)
	m.Track("BTC/USD", 2)

	s, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 1, 99, 1, 98, 1), levels(101, 1, 102, 1, 103, 1)))
	require.NoError(t, err)
	assert.Len(t, s.Bids, 2)
	assert.Len(t, s.Asks, 2)

	depth, ok := m.Depth("BTC/USD")
	assert.True(t, ok)
	assert.Equal(t, 2, depth)
}

func TestMaintainer_Remove(t *testing.T) {
	m, _ := newTestMaintainer(true)
	m.Track("BTC/USD", 10)
	_, err := m.Apply(snapshotMsg("BTC/USD", levels(100, 2), levels(101, 1)))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USD"}, m.Symbols())

	m.Remove("BTC/USD")

	_, err = m.Get("BTC/USD")
	assert.ErrorIs(t, err, ErrOrderBookNotFound)
	_, err = m.Apply(updateMsg("BTC/USD", levels(99, 1), nil))
	assert.ErrorIs(t, err, ErrOrderBookNotFound)
}
