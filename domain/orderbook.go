package domain

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OrderBookStatus string

const (
	OrderBookStatus_Ok      OrderBookStatus = "Ok"
	OrderBookStatus_Stale   OrderBookStatus = "Stale"
	OrderBookStatus_Invalid OrderBookStatus = "Invalid"
)

type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

func (l PriceLevel) validate() error {
	if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || l.Price <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidPriceLevel, l.Price)
	}
	if math.IsNaN(l.Qty) || math.IsInf(l.Qty, 0) || l.Qty < 0 {
		return fmt.Errorf("%w: qty %v at price %v", ErrInvalidPriceLevel, l.Qty, l.Price)
	}
	return nil
}

type BookMessageType string

const (
	BookMessage_Snapshot BookMessageType = "snapshot"
	BookMessage_Update   BookMessageType = "update"
)

// OrderBookUpdate is one decoded book message for a single symbol. A zero
// quantity removes the level.
type OrderBookUpdate struct {
	Symbol      string
	Type        BookMessageType
	Bids        []PriceLevel
	Asks        []PriceLevel
	Checksum    uint32
	HasChecksum bool
	Timestamp   time.Time
}

func (u *OrderBookUpdate) IsSnapshot() bool {
	return u.Type == BookMessage_Snapshot
}

func (u *OrderBookUpdate) validate() error {
	for _, l := range u.Bids {
		if err := l.validate(); err != nil {
			return err
		}
	}
	for _, l := range u.Asks {
		if err := l.validate(); err != nil {
			return err
		}
	}
	return nil
}

// OrderBookSnapshot is a read-only copy of a book. Bids are ordered best
// (highest) first, asks best (lowest) first.
type OrderBookSnapshot struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      uint64          `json:"sequence"`
	Status        OrderBookStatus `json:"status"`
	ChecksumValid bool            `json:"checksumValid"`
	Bids          []PriceLevel    `json:"bids"`
	Asks          []PriceLevel    `json:"asks"`
}

// OrderBook is the local book for one symbol. It has a single writer; readers
// go through TakeSnapshot or the derived queries, which hold the read lock
// only while copying or scanning.
type OrderBook struct {
	Symbol string

	bids           []PriceLevel
	asks           []PriceLevel
	sequence       uint64
	lastUpdateTime time.Time
	checksumValid  bool
	maxDepth       int
	status         OrderBookStatus

	mu sync.RWMutex
}

// NewOrderBook creates an empty book. maxDepth > 0 truncates each side after
// every applied message.
func NewOrderBook(symbol string, maxDepth int) *OrderBook {
	return &OrderBook{
		Symbol:        symbol,
		maxDepth:      maxDepth,
		status:        OrderBookStatus_Ok,
		checksumValid: true,
	}
}

// ApplySnapshot replaces both sides atomically. Nothing is changed when any
// level is invalid.
func (ob *OrderBook) ApplySnapshot(update *OrderBookUpdate) error {
	if err := update.validate(); err != nil {
		return err
	}

	bids := buildSide(update.Bids, true)
	asks := buildSide(update.Asks, false)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = ob.limitDepth(bids, ob.maxDepth)
	ob.asks = ob.limitDepth(asks, ob.maxDepth)
	ob.touch(update.Timestamp)
	ob.status = OrderBookStatus_Ok
	ob.checksumValid = true

	return nil
}

// ApplyUpdate merges a delta in message order. Nothing is changed when any
// level is invalid.
func (ob *OrderBook) ApplyUpdate(update *OrderBookUpdate) error {
	if err := update.validate(); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	for _, level := range update.Bids {
		ob.bids = updateDepth(ob.bids, level, true)
	}
	for _, level := range update.Asks {
		ob.asks = updateDepth(ob.asks, level, false)
	}

	ob.bids = ob.limitDepth(ob.bids, ob.maxDepth)
	ob.asks = ob.limitDepth(ob.asks, ob.maxDepth)
	ob.touch(update.Timestamp)

	return nil
}

func (ob *OrderBook) touch(ts time.Time) {
	ob.sequence++
	if ts.IsZero() {
		ts = time.Now()
	}
	ob.lastUpdateTime = ts
}

func (ob *OrderBook) Status() OrderBookStatus {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.status
}

func (ob *OrderBook) setStatus(status OrderBookStatus) {
	ob.mu.Lock()
	ob.status = status
	if status == OrderBookStatus_Invalid {
		ob.checksumValid = false
	}
	ob.mu.Unlock()
}

func (ob *OrderBook) Sequence() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.sequence
}

func (ob *OrderBook) LastUpdateTime() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateTime
}

func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return best(ob.bids)
}

func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return best(ob.asks)
}

func (ob *OrderBook) Spread() (float64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return spread(ob.bids, ob.asks)
}

func (ob *OrderBook) MidPrice() (float64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return midPrice(ob.bids, ob.asks)
}

// IsCrossed reports best bid >= best ask with both sides present.
func (ob *OrderBook) IsCrossed() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return crossed(ob.bids, ob.asks)
}

func (ob *OrderBook) TopBids(n int) []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return copyLevels(ob.bids, n)
}

func (ob *OrderBook) TopAsks(n int) []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return copyLevels(ob.asks, n)
}

// Checksum computes the integrity checksum over the top depth levels.
func (ob *OrderBook) Checksum(depth int) uint32 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Checksum(ob.bids, ob.asks, depth)
}

// ChecksumValidation compares the book against an expected checksum.
func (ob *OrderBook) ChecksumValidation(expected uint32, depth int) *ChecksumValidation {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	calculated := Checksum(ob.bids, ob.asks, depth)
	return &ChecksumValidation{
		Expected:   expected,
		Calculated: calculated,
		Valid:      expected == calculated,
		BidCount:   len(ob.bids),
		AskCount:   len(ob.asks),
	}
}

// TakeSnapshot copies up to limit levels per side; limit <= 0 copies all.
func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return &OrderBookSnapshot{
		ID:            uuid.NewString(),
		Symbol:        ob.Symbol,
		Timestamp:     ob.lastUpdateTime,
		Sequence:      ob.sequence,
		Status:        ob.status,
		ChecksumValid: ob.checksumValid,
		Bids:          copyLevels(ob.bids, limit),
		Asks:          copyLevels(ob.asks, limit),
	}
}

func (ob *OrderBook) limitDepth(depth []PriceLevel, limit int) []PriceLevel {
	if limit > 0 && len(depth) > limit {
		return depth[:limit]
	}

	return depth
}

func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) { return best(s.Bids) }

func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) { return best(s.Asks) }

func (s *OrderBookSnapshot) Spread() (float64, bool) { return spread(s.Bids, s.Asks) }

func (s *OrderBookSnapshot) MidPrice() (float64, bool) { return midPrice(s.Bids, s.Asks) }

func (s *OrderBookSnapshot) IsCrossed() bool { return crossed(s.Bids, s.Asks) }

// buildSide sorts levels into book order, dropping zero quantities. A repeated
// price keeps the later quantity.
func buildSide(levels []PriceLevel, isBids bool) []PriceLevel {
	side := make([]PriceLevel, 0, len(levels))
	for _, level := range levels {
		side = updateDepth(side, level, isBids)
	}
	return side
}

// updateDepth inserts, replaces or removes one level keeping the side sorted.
func updateDepth(side []PriceLevel, level PriceLevel, isBids bool) []PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		if isBids {
			return side[i].Price <= level.Price
		}
		return side[i].Price >= level.Price
	})
	found := i < len(side) && side[i].Price == level.Price

	switch {
	case level.Qty == 0 && found:
		return append(side[:i], side[i+1:]...)
	case level.Qty == 0:
		return side
	case found:
		side[i].Qty = level.Qty
		return side
	default:
		side = append(side, PriceLevel{})
		copy(side[i+1:], side[i:])
		side[i] = level
		return side
	}
}

func best(side []PriceLevel) (PriceLevel, bool) {
	if len(side) == 0 {
		return PriceLevel{}, false
	}
	return side[0], true
}

func spread(bids, asks []PriceLevel) (float64, bool) {
	bid, okBid := best(bids)
	ask, okAsk := best(asks)
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

func midPrice(bids, asks []PriceLevel) (float64, bool) {
	bid, okBid := best(bids)
	ask, okAsk := best(asks)
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

func crossed(bids, asks []PriceLevel) bool {
	bid, okBid := best(bids)
	ask, okAsk := best(asks)
	return okBid && okAsk && bid.Price >= ask.Price
}

func copyLevels(side []PriceLevel, limit int) []PriceLevel {
	if limit <= 0 || limit > len(side) {
		limit = len(side)
	}
	out := make([]PriceLevel, limit)
	copy(out, side[:limit])
	return out
}
