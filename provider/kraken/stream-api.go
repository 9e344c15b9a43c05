package kraken

import (
	"context"
	"errors"
	"fmt"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/multiplexor"
)

const DefaultBookDepth = 10

type (
	BookSubscription   = multiplexor.Subscription[domain.BookEvent]
	TradeSubscription  = multiplexor.Subscription[domain.Trade]
	TickerSubscription = multiplexor.Subscription[domain.Ticker]
	OHLCSubscription   = multiplexor.Subscription[domain.OHLC]
)

// KrakenStreamAPI is the typed surface over the stream client: one method
// per feed, with parameters checked before anything is sent.
type KrakenStreamAPI struct {
	streamClient *KrakenStreamClient
}

func NewKrakenStreamAPI(client *KrakenStreamClient) *KrakenStreamAPI {
	return &KrakenStreamAPI{streamClient: client}
}

func (api *KrakenStreamAPI) Client() *KrakenStreamClient {
	return api.streamClient
}

// SubscribeOrderbook streams the locally maintained book for symbol. depth 0
// selects DefaultBookDepth. A second subscriber for the same symbol must ask
// for the same depth.
func (api *KrakenStreamAPI) SubscribeOrderbook(ctx context.Context, symbol string, depth int) (*BookSubscription, error) {
	name, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		depth = DefaultBookDepth
	}
	if !domain.IsValidBookDepth(depth) {
		return nil, fmt.Errorf("%w: %d, expected one of %v", domain.ErrInvalidDepth, depth, domain.BookDepths)
	}

	return subscribe[domain.BookEvent](ctx, api.streamClient, multiplexor.Request{
		Feed:   domain.FeedKind_Book,
		Symbol: name,
		Depth:  depth,
	})
}

func (api *KrakenStreamAPI) SubscribeTrades(ctx context.Context, symbol string) (*TradeSubscription, error) {
	name, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return subscribe[domain.Trade](ctx, api.streamClient, multiplexor.Request{Feed: domain.FeedKind_Trade, Symbol: name})
}

func (api *KrakenStreamAPI) SubscribeTicker(ctx context.Context, symbol string) (*TickerSubscription, error) {
	name, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return subscribe[domain.Ticker](ctx, api.streamClient, multiplexor.Request{Feed: domain.FeedKind_Ticker, Symbol: name})
}

// SubscribeOHLC streams candles of interval minutes.
func (api *KrakenStreamAPI) SubscribeOHLC(ctx context.Context, symbol string, interval int) (*OHLCSubscription, error) {
	name, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if !domain.IsValidOHLCInterval(interval) {
		return nil, fmt.Errorf("%w: %d, expected one of %v", domain.ErrInvalidInterval, interval, domain.OHLCIntervals)
	}
	return subscribe[domain.OHLC](ctx, api.streamClient, multiplexor.Request{
		Feed:     domain.FeedKind_OHLC,
		Symbol:   name,
		Interval: interval,
	})
}

// OrderBookSnapshot returns a copy of the book limited to depth levels per
// side. See OrderbookMaintainer.Snapshot for stale and invalid books.
func (api *KrakenStreamAPI) OrderBookSnapshot(symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	name, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return api.streamClient.books.Snapshot(name, depth)
}

func (api *KrakenStreamAPI) OrderBookSymbols() []string {
	return api.streamClient.books.Symbols()
}

func (api *KrakenStreamAPI) ConnectionState() domain.ConnectionState {
	return api.streamClient.State()
}

func normalizeSymbol(symbol string) (string, error) {
	ms, err := domain.NewMarketSymbolFromString(symbol)
	if err != nil {
		return "", err
	}
	return ms.String(), nil
}

// subscribe registers a queue for req and, when it opens a new channel,
// sends the exchange subscription. With an ack timeout a rejection is
// returned to the caller and nothing stays registered.
func subscribe[T any](ctx context.Context, c *KrakenStreamClient, req multiplexor.Request) (*multiplexor.Subscription[T], error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	closed, running := c.closed, c.running
	c.mu.Unlock()
	if closed {
		return nil, domain.ErrClientClosed
	}
	if !running {
		return nil, domain.ErrNotConnected
	}

	key := req.Key()
	if active, ok := c.registry.Lookup(key); ok && active.Depth != req.Depth {
		return nil, fmt.Errorf("%w: %s is open with depth %d", domain.ErrSubscriptionConflict, key, active.Depth)
	}

	sub, opened := multiplexor.Register[T](c.registry, req)
	if !opened {
		return sub, nil
	}
	if req.Feed == domain.FeedKind_Book {
		c.books.Track(req.Symbol, req.Depth)
	}

	// until the connection is replayed the request goes out with the
	// resubscription
	if !c.live() {
		return sub, nil
	}

	msg := subscriptionRequest(methodSubscribe, req, c.nextReqID())
	if c.conf.AckTimeout <= 0 {
		if err := c.send(ctx, msg); err != nil {
			c.log.WithError(err).WithField("channel", key.String()).Warn("subscribe not sent, will retry on reconnect")
		}
		return sub, nil
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.conf.AckTimeout)
	defer cancel()

	_, err := c.request(ackCtx, msg)
	var apiErr *APIError
	switch {
	case err == nil:
		return sub, nil
	case errors.As(err, &apiErr):
		c.dropSubscription(req, sub.Discard)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSubscriptionRejected, key, apiErr)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.dropSubscription(req, sub.Discard)
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	default:
		// the connection failed mid-request; the reconnect sends it again
		c.log.WithError(err).WithField("channel", key.String()).Warn("subscribe interrupted")
		return sub, nil
	}
}

func (c *KrakenStreamClient) dropSubscription(req multiplexor.Request, discard func()) {
	discard()
	if req.Feed == domain.FeedKind_Book {
		c.books.Remove(req.Symbol)
	}
}
