package kraken

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/multiplexor"
)

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodPing        = "ping"

	channelHeartbeat = "heartbeat"
	channelStatus    = "status"
)

// WebSocketRequestModel is every outbound message.
type WebSocketRequestModel struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
	ReqID  uint64      `json:"req_id,omitempty"`
}

type subscriptionParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Depth    int      `json:"depth,omitempty"`
	Interval int      `json:"interval,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
}

func subscriptionRequest(method string, req multiplexor.Request, reqID uint64) WebSocketRequestModel {
	params := subscriptionParams{
		Channel:  string(req.Feed),
		Symbol:   []string{req.Symbol},
		Depth:    req.Depth,
		Interval: req.Interval,
	}
	if method == methodSubscribe {
		snapshot := true
		params.Snapshot = &snapshot
	}
	return WebSocketRequestModel{Method: method, Params: params, ReqID: reqID}
}

// Response is the reply to a request carrying req_id.
type Response struct {
	Method  string          `json:"method"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	ReqID   uint64          `json:"req_id,omitempty"`
	TimeIn  string          `json:"time_in,omitempty"`
	TimeOut string          `json:"time_out,omitempty"`
}

func (r *Response) OK() bool {
	return r.Error == "" && (r.Success == nil || *r.Success)
}

// Err returns the parsed exchange error, nil for a successful response.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "request failed"
	}
	return ParseAPIError(msg)
}

type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	ReqID   uint64          `json:"req_id"`
}

type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type bookData struct {
	Symbol    string           `json:"symbol"`
	Bids      []wireLevel      `json:"bids"`
	Asks      []wireLevel      `json:"asks"`
	Checksum  *decimal.Decimal `json:"checksum"`
	Timestamp string           `json:"timestamp"`
}

type tradeData struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	OrdType   string          `json:"ord_type"`
	TradeID   int64           `json:"trade_id"`
	Timestamp string          `json:"timestamp"`
}

type tickerData struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	Ask       decimal.Decimal `json:"ask"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	VWAP      decimal.Decimal `json:"vwap"`
	Low       decimal.Decimal `json:"low"`
	High      decimal.Decimal `json:"high"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Timestamp string          `json:"timestamp"`
}

type ohlcData struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	VWAP          decimal.Decimal `json:"vwap"`
	Volume        decimal.Decimal `json:"volume"`
	Trades        int64           `json:"trades"`
	Interval      int             `json:"interval"`
	IntervalBegin string          `json:"interval_begin"`
	Timestamp     string          `json:"timestamp"`
}

type statusData struct {
	APIVersion   string      `json:"api_version"`
	ConnectionID json.Number `json:"connection_id"`
	System       string      `json:"system"`
	Version      string      `json:"version"`
}

func (d bookData) toUpdate(kind domain.BookMessageType) *domain.OrderBookUpdate {
	u := &domain.OrderBookUpdate{
		Symbol:    d.Symbol,
		Type:      kind,
		Bids:      toLevels(d.Bids),
		Asks:      toLevels(d.Asks),
		Timestamp: parseTime(d.Timestamp),
	}
	if d.Checksum != nil {
		u.Checksum = uint32(d.Checksum.IntPart())
		u.HasChecksum = true
	}
	return u
}

func (d tradeData) toTrade() domain.Trade {
	return domain.Trade{
		Symbol:    d.Symbol,
		Side:      domain.TradeSide(d.Side),
		Price:     d.Price.InexactFloat64(),
		Qty:       d.Qty.InexactFloat64(),
		OrderType: d.OrdType,
		TradeID:   d.TradeID,
		Timestamp: parseTime(d.Timestamp),
	}
}

func (d tickerData) toTicker() domain.Ticker {
	return domain.Ticker{
		Symbol:    d.Symbol,
		Bid:       d.Bid.InexactFloat64(),
		BidQty:    d.BidQty.InexactFloat64(),
		Ask:       d.Ask.InexactFloat64(),
		AskQty:    d.AskQty.InexactFloat64(),
		Last:      d.Last.InexactFloat64(),
		Volume:    d.Volume.InexactFloat64(),
		VWAP:      d.VWAP.InexactFloat64(),
		Low:       d.Low.InexactFloat64(),
		High:      d.High.InexactFloat64(),
		Change:    d.Change.InexactFloat64(),
		ChangePct: d.ChangePct.InexactFloat64(),
		Timestamp: parseTime(d.Timestamp),
	}
}

func (d ohlcData) toOHLC() domain.OHLC {
	return domain.OHLC{
		Symbol:        d.Symbol,
		Open:          d.Open.InexactFloat64(),
		High:          d.High.InexactFloat64(),
		Low:           d.Low.InexactFloat64(),
		Close:         d.Close.InexactFloat64(),
		VWAP:          d.VWAP.InexactFloat64(),
		Volume:        d.Volume.InexactFloat64(),
		Trades:        d.Trades,
		Interval:      d.Interval,
		IntervalBegin: parseTime(d.IntervalBegin),
		Timestamp:     parseTime(d.Timestamp),
	}
}

func toLevels(in []wireLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: l.Price.InexactFloat64(), Qty: l.Qty.InexactFloat64()}
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
