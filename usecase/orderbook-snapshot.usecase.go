package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
	"github.com/spooky-finn/go-marketstream/multiplexor"
)

const STARTING = "starting"

// StreamAPI is the part of the stream client the query side reads from.
type StreamAPI interface {
	SubscribeOrderbook(ctx context.Context, symbol string, depth int) (*multiplexor.Subscription[domain.BookEvent], error)
	OrderBookSnapshot(symbol string, depth int) (*domain.OrderBookSnapshot, error)
	OrderBookSymbols() []string
	ConnectionState() domain.ConnectionState
}

type Config struct {
	// AutoSubscribe opens a book subscription the first time an unknown
	// symbol is queried.
	AutoSubscribe bool
	DefaultDepth  int
}

type OrderBookSnapshotUseCase struct {
	streamAPI StreamAPI
	conf      Config
	log       *logger.Entry

	ctx         context.Context
	waitingRoom sync.Map
	wg          sync.WaitGroup
}

func NewOrderBookSnapshotUseCase(ctx context.Context, streamAPI StreamAPI, conf Config) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{
		streamAPI: streamAPI,
		conf:      conf,
		log:       logger.GetLogger().WithComponent("orderbook_snapshot_usecase"),
		ctx:       ctx,
	}
}

// GetOrderBookSnapshot returns the local book limited to limit levels per
// side. A stale or invalid book comes back with its snapshot and the matching
// error. An unknown symbol starts a subscription when AutoSubscribe is set.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit %d", domain.ErrInvalidDepth, limit)
	}

	snapshot, err := o.streamAPI.OrderBookSnapshot(symbol.String(), limit)
	if !errors.Is(err, domain.ErrOrderBookNotFound) {
		return snapshot, err
	}

	if _, ok := o.waitingRoom.Load(symbol.String()); ok {
		return nil, fmt.Errorf("%w: %s is initializing", domain.ErrOrderBookNotFound, symbol)
	}
	if o.conf.AutoSubscribe && !o.isTracked(symbol.String()) {
		o.wg.Add(1)
		go o.createOrderBook(symbol)
		return nil, fmt.Errorf("%w: %s subscription started", domain.ErrOrderBookNotFound, symbol)
	}
	return nil, err
}

func (o *OrderBookSnapshotUseCase) isTracked(symbol string) bool {
	for _, s := range o.streamAPI.OrderBookSymbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// createOrderBook subscribes to symbol and keeps the subscription drained so
// the book stays maintained for later queries.
func (o *OrderBookSnapshotUseCase) createOrderBook(symbol *domain.MarketSymbol) {
	defer o.wg.Done()

	key := symbol.String()
	if _, loaded := o.waitingRoom.LoadOrStore(key, STARTING); loaded {
		return
	}

	sub, err := o.streamAPI.SubscribeOrderbook(o.ctx, key, o.conf.DefaultDepth)
	if err != nil {
		o.waitingRoom.Delete(key)
		o.log.WithError(err).WithField("symbol", key).Warn("orderbook subscription failed")
		return
	}

	first := true
	for {
		ev, err := sub.Next(o.ctx)
		if err != nil {
			o.waitingRoom.Delete(key)
			sub.Unsubscribe()
			return
		}
		if first && ev.Book != nil {
			first = false
			o.waitingRoom.Delete(key)
			o.log.WithField("symbol", key).Info("orderbook snapshot is added to the runtime storage")
		}
	}
}

// Wait blocks until background subscriptions stopped, after ctx is done.
func (o *OrderBookSnapshotUseCase) Wait() {
	o.wg.Wait()
}

type ImbalanceQuery struct {
	// TopN and DepthPct restrict the additional imbalance figures; zero
	// leaves them out.
	TopN      int
	DepthPct  float64
	Threshold float64
	Depth     int
}

type ImbalanceReport struct {
	Symbol               string
	Timestamp            time.Time
	Status               domain.OrderBookStatus
	Imbalance            float64
	ImbalanceTopN        *float64
	ImbalanceWithinDepth *float64
	Metrics              domain.ImbalanceMetrics
	Signal               domain.Signal
}

func (o *OrderBookSnapshotUseCase) GetImbalance(symbol *domain.MarketSymbol, q ImbalanceQuery) (*ImbalanceReport, error) {
	if err := domain.ValidateThreshold(q.Threshold); err != nil {
		return nil, err
	}
	if q.TopN < 0 {
		return nil, fmt.Errorf("%w: top_n %d", domain.ErrInvalidDepth, q.TopN)
	}
	if q.DepthPct < 0 || q.DepthPct > 1 {
		return nil, fmt.Errorf("%w: depth_pct %v must be within [0, 1]", domain.ErrInvalidDepth, q.DepthPct)
	}

	snapshot, err := o.GetOrderBookSnapshot(symbol, q.Depth)
	if err != nil {
		return nil, err
	}

	signal, err := snapshot.Signal(q.Threshold)
	if err != nil {
		return nil, err
	}
	report := &ImbalanceReport{
		Symbol:    snapshot.Symbol,
		Timestamp: snapshot.Timestamp,
		Status:    snapshot.Status,
		Imbalance: snapshot.Imbalance(),
		Metrics:   snapshot.ImbalanceMetrics(),
		Signal:    signal,
	}
	if q.TopN > 0 {
		v := snapshot.ImbalanceTopN(q.TopN)
		report.ImbalanceTopN = &v
	}
	if q.DepthPct > 0 {
		if v, ok := snapshot.ImbalanceWithinDepth(q.DepthPct); ok {
			report.ImbalanceWithinDepth = &v
		}
	}
	return report, nil
}

func (o *OrderBookSnapshotUseCase) ConnectionState() domain.ConnectionState {
	return o.streamAPI.ConnectionState()
}
