package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
)

type bookState struct {
	book          *OrderBook
	depth         int
	resyncPending bool
}

// OrderbookMaintainer owns one book per tracked symbol. Apply is called only
// from the stream's read loop; Track, Remove and the queries may be called
// from any goroutine.
type OrderbookMaintainer struct {
	mu    sync.RWMutex
	books map[string]*bookState

	depthUpdateValidator IDepthUpdateValidator
	autoResync           bool

	onResync    func(symbol string)
	onIntegrity func(IntegrityEvent)

	log *logger.Entry
}

// NewOrderBookMaintainer creates the engine. With autoResync a failed book
// drops deltas and requests a fresh snapshot once; without it the book keeps
// applying deltas and stays flagged Invalid until the next snapshot.
func NewOrderBookMaintainer(depthUpdateValidator IDepthUpdateValidator, autoResync bool) *OrderbookMaintainer {
	return &OrderbookMaintainer{
		books:                make(map[string]*bookState),
		depthUpdateValidator: depthUpdateValidator,
		autoResync:           autoResync,
		log:                  logger.GetLogger().WithComponent("orderbook_maintainer"),
	}
}

func (m *OrderbookMaintainer) OnResync(fn func(symbol string)) {
	m.onResync = fn
}

func (m *OrderbookMaintainer) OnIntegrityFailure(fn func(IntegrityEvent)) {
	m.onIntegrity = fn
}

// Track makes the engine accept messages for symbol. The book itself is
// created by the first snapshot.
func (m *OrderbookMaintainer) Track(symbol string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.books[symbol]; ok {
		st.depth = depth
		return
	}
	m.books[symbol] = &bookState{depth: depth}
}

func (m *OrderbookMaintainer) Remove(symbol string) {
	m.mu.Lock()
	delete(m.books, symbol)
	m.mu.Unlock()
}

// Apply merges one book message and returns the resulting snapshot truncated
// to the tracked depth. An integrity failure is returned together with the
// snapshot it was detected on.
func (m *OrderbookMaintainer) Apply(update *OrderBookUpdate) (*OrderBookSnapshot, error) {
	var (
		event  *IntegrityEvent
		resync bool
	)

	snapshot, err := func() (*OrderBookSnapshot, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		st, ok := m.books[update.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not tracked", ErrOrderBookNotFound, update.Symbol)
		}

		var integrityErr error
		if update.IsSnapshot() {
			if st.book == nil {
				st.book = NewOrderBook(update.Symbol, st.depth)
			}
			if err := st.book.ApplySnapshot(update); err != nil {
				return nil, err
			}
			// a pending resync is settled only by a clean snapshot
			if st.book.IsCrossed() {
				integrityErr = &IntegrityError{Symbol: update.Symbol, Reason: IntegrityReason_CrossedBook}
			} else {
				st.resyncPending = false
			}
		} else {
			if st.book == nil {
				return nil, fmt.Errorf("%w: no snapshot for %s yet", ErrOrderBookNotFound, update.Symbol)
			}

			switch st.book.Status() {
			case OrderBookStatus_Stale:
				return nil, ErrOrderBookStale
			case OrderBookStatus_Invalid:
				if m.autoResync {
					return nil, ErrOrderBookInvalid
				}
			}

			if err := st.book.ApplyUpdate(update); err != nil {
				return nil, err
			}
			if m.depthUpdateValidator != nil {
				integrityErr = m.depthUpdateValidator.IsValidUpd(st.book, update)
			}
		}

		if integrityErr != nil {
			event, resync = m.fail(st, integrityErr)
		} else if st.book.Status() == OrderBookStatus_Invalid {
			integrityErr = ErrOrderBookInvalid
		}

		return st.book.TakeSnapshot(st.depth), integrityErr
	}()

	if event != nil {
		m.log.WithFields(logger.Fields{
			"symbol": event.Symbol,
			"reason": event.Reason,
			"resync": event.Resync,
		}).Warn("order book integrity failure")

		if m.onIntegrity != nil {
			m.onIntegrity(*event)
		}
	}
	if resync && m.onResync != nil {
		m.onResync(update.Symbol)
	}

	return snapshot, err
}

// fail flags the book and decides whether a resync is due. Only the first
// failure after a snapshot produces an event, and only the first event
// after a clean snapshot requests a resync.
func (m *OrderbookMaintainer) fail(st *bookState, err error) (*IntegrityEvent, bool) {
	if st.book.Status() == OrderBookStatus_Invalid {
		return nil, false
	}
	st.book.setStatus(OrderBookStatus_Invalid)

	ev := &IntegrityEvent{
		Symbol: st.book.Symbol,
		Reason: IntegrityReason_ChecksumMismatch,
		Time:   time.Now(),
	}
	if ie, ok := err.(*IntegrityError); ok {
		ev.Reason = ie.Reason
		ev.Validation = ie.Validation
	}

	resync := m.autoResync && !st.resyncPending
	if resync {
		st.resyncPending = true
	}
	ev.Resync = resync

	return ev, resync
}

// MarkAllStale flags every existing book as stale until its next snapshot.
func (m *OrderbookMaintainer) MarkAllStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, st := range m.books {
		if st.book == nil {
			continue
		}
		st.book.setStatus(OrderBookStatus_Stale)
		st.resyncPending = false
		n++
	}
	return n
}

func (m *OrderbookMaintainer) Get(symbol string) (*OrderBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.books[symbol]
	if !ok || st.book == nil {
		return nil, ErrOrderBookNotFound
	}
	return st.book, nil
}

// Snapshot copies the book for readers. A stale or invalid book is returned
// together with ErrOrderBookStale or ErrOrderBookInvalid.
func (m *OrderbookMaintainer) Snapshot(symbol string, limit int) (*OrderBookSnapshot, error) {
	ob, err := m.Get(symbol)
	if err != nil {
		return nil, err
	}

	snapshot := ob.TakeSnapshot(limit)
	switch snapshot.Status {
	case OrderBookStatus_Stale:
		return snapshot, ErrOrderBookStale
	case OrderBookStatus_Invalid:
		return snapshot, ErrOrderBookInvalid
	}
	return snapshot, nil
}

func (m *OrderbookMaintainer) Depth(symbol string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.books[symbol]
	if !ok {
		return 0, false
	}
	return st.depth, true
}

func (m *OrderbookMaintainer) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.books))
	for s := range m.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// OrderBookCount is the number of books that received a snapshot.
func (m *OrderbookMaintainer) OrderBookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, st := range m.books {
		if st.book != nil {
			n++
		}
	}
	return n
}
