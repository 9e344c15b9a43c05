package kraken

import (
	json "github.com/goccy/go-json"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/helpers"
)

// frame is the decoded form of one inbound message.
type frame interface {
	channel() string
}

type bookFrame struct{ updates []*domain.OrderBookUpdate }

type tradeFrame struct{ trades []domain.Trade }

type tickerFrame struct{ tickers []domain.Ticker }

type ohlcFrame struct{ candles []domain.OHLC }

type heartbeatFrame struct{}

type statusFrame struct{ status []statusData }

type responseFrame struct{ resp *Response }

func (bookFrame) channel() string      { return string(domain.FeedKind_Book) }
func (tradeFrame) channel() string     { return string(domain.FeedKind_Trade) }
func (tickerFrame) channel() string    { return string(domain.FeedKind_Ticker) }
func (ohlcFrame) channel() string      { return string(domain.FeedKind_OHLC) }
func (heartbeatFrame) channel() string { return channelHeartbeat }
func (statusFrame) channel() string    { return channelStatus }
func (responseFrame) channel() string  { return "response" }

const maxFrameInError = 256

func protocolError(reason string, raw []byte, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Frame: helpers.Truncate(string(raw), maxFrameInError), Err: err}
}

func decodeFrame(raw []byte) (frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocolError("malformed frame", raw, err)
	}

	if env.Method != "" || (env.Channel == "" && env.Success != nil) {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, protocolError("malformed response", raw, err)
		}
		return responseFrame{resp: &resp}, nil
	}

	switch domain.FeedKind(env.Channel) {
	case domain.FeedKind_Book:
		var kind domain.BookMessageType
		switch env.Type {
		case string(domain.BookMessage_Snapshot):
			kind = domain.BookMessage_Snapshot
		case string(domain.BookMessage_Update):
			kind = domain.BookMessage_Update
		default:
			return nil, protocolError("unknown book message type "+env.Type, raw, nil)
		}
		var data []bookData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, protocolError("malformed book data", raw, err)
		}
		f := bookFrame{updates: make([]*domain.OrderBookUpdate, 0, len(data))}
		for _, d := range data {
			f.updates = append(f.updates, d.toUpdate(kind))
		}
		return f, nil

	case domain.FeedKind_Trade:
		var data []tradeData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, protocolError("malformed trade data", raw, err)
		}
		f := tradeFrame{trades: make([]domain.Trade, 0, len(data))}
		for _, d := range data {
			f.trades = append(f.trades, d.toTrade())
		}
		return f, nil

	case domain.FeedKind_Ticker:
		var data []tickerData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, protocolError("malformed ticker data", raw, err)
		}
		f := tickerFrame{tickers: make([]domain.Ticker, 0, len(data))}
		for _, d := range data {
			f.tickers = append(f.tickers, d.toTicker())
		}
		return f, nil

	case domain.FeedKind_OHLC:
		var data []ohlcData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, protocolError("malformed ohlc data", raw, err)
		}
		f := ohlcFrame{candles: make([]domain.OHLC, 0, len(data))}
		for _, d := range data {
			f.candles = append(f.candles, d.toOHLC())
		}
		return f, nil
	}

	switch env.Channel {
	case channelHeartbeat:
		return heartbeatFrame{}, nil
	case channelStatus:
		var data []statusData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, protocolError("malformed status data", raw, err)
		}
		return statusFrame{status: data}, nil
	case "":
		return nil, protocolError("missing channel", raw, nil)
	default:
		return nil, protocolError("unknown channel "+env.Channel, raw, nil)
	}
}

func decodeData(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func encodeRequest(req WebSocketRequestModel) ([]byte, error) {
	return json.Marshal(req)
}
