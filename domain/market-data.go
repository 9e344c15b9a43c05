package domain

import (
	"time"

	"github.com/spooky-finn/go-marketstream/helpers"
)

type FeedKind string

const (
	FeedKind_Book   FeedKind = "book"
	FeedKind_Trade  FeedKind = "trade"
	FeedKind_Ticker FeedKind = "ticker"
	FeedKind_OHLC   FeedKind = "ohlc"
)

var (
	BookDepths    = []int{10, 25, 100, 500, 1000}
	OHLCIntervals = []int{1, 5, 15, 30, 60, 240, 1440, 10080, 21600}
)

func IsValidBookDepth(depth int) bool {
	return helpers.Contains(BookDepths, depth)
}

func IsValidOHLCInterval(interval int) bool {
	return helpers.Contains(OHLCIntervals, interval)
}

// BookEvent is delivered to book subscribers after a message was applied.
// Book is the post-application state truncated to the subscribed depth.
type BookEvent struct {
	Symbol    string
	Type      BookMessageType
	Bids      []PriceLevel
	Asks      []PriceLevel
	Checksum  uint32
	Book      *OrderBookSnapshot
	Valid     bool
	Timestamp time.Time
}

type TradeSide string

const (
	TradeSide_Buy  TradeSide = "buy"
	TradeSide_Sell TradeSide = "sell"
)

type Trade struct {
	Symbol    string
	Side      TradeSide
	Price     float64
	Qty       float64
	OrderType string
	TradeID   int64
	Timestamp time.Time
}

func (t Trade) Value() float64 {
	return t.Price * t.Qty
}

type Ticker struct {
	Symbol    string
	Bid       float64
	BidQty    float64
	Ask       float64
	AskQty    float64
	Last      float64
	Volume    float64
	VWAP      float64
	Low       float64
	High      float64
	Change    float64
	ChangePct float64
	Timestamp time.Time
}

func (t Ticker) Spread() float64 {
	return t.Ask - t.Bid
}

type OHLC struct {
	Symbol        string
	Open          float64
	High          float64
	Low           float64
	Close         float64
	VWAP          float64
	Volume        float64
	Trades        int64
	Interval      int
	IntervalBegin time.Time
	Timestamp     time.Time
}
