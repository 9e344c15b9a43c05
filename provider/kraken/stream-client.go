package kraken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/helpers"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
	"github.com/spooky-finn/go-marketstream/multiplexor"
	"golang.org/x/time/rate"
)

type Option func(*KrakenStreamClient)

func WithDialer(d Dialer) Option {
	return func(c *KrakenStreamClient) { c.dialer = d }
}

func WithMetrics(m Metrics) Option {
	return func(c *KrakenStreamClient) { c.metrics = m }
}

func WithLogger(l *logger.Log) Option {
	return func(c *KrakenStreamClient) { c.log = l.WithComponent("kraken_stream") }
}

// KrakenStreamClient keeps one logical connection to the exchange alive.
// A single goroutine reads frames and drives decoding, book maintenance and
// fan-out; callers only touch the registry, the connection state and the
// books through synchronized methods.
type KrakenStreamClient struct {
	conf    Config
	dialer  Dialer
	metrics Metrics
	log     *logger.Entry

	registry  *multiplexor.Registry
	books     *domain.OrderbookMaintainer
	lifecycle *multiplexor.Broadcaster[domain.ConnectionEvent]
	integrity *multiplexor.Broadcaster[domain.IntegrityEvent]
	limiter   *rate.Limiter

	mu        sync.Mutex
	state     domain.ConnectionState
	conn      Conn
	attempt   int
	nextDelay time.Duration
	running   bool
	closed    bool

	// manual marks a caller-requested reconnect of a live connection. It
	// overrides Reconnect.Enabled for one cycle.
	manual bool
	// synced is set once the registry was replayed on the current conn.
	synced bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reconnectCh chan struct{}

	// subMu serializes subscribe and unsubscribe so that the exchange sees
	// them in the order the registry applied them.
	subMu sync.Mutex

	reqID     atomic.Uint64
	pendingMx sync.Mutex
	pending   map[uint64]chan *Response
}

func NewKrakenStreamClient(conf Config, opts ...Option) (*KrakenStreamClient, error) {
	if err := conf.validateSettings(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &KrakenStreamClient{
		conf:        conf,
		metrics:     nopMetrics{},
		log:         logger.GetLogger().WithComponent("kraken_stream"),
		state:       domain.ConnectionState_Disconnected,
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
		pending:     make(map[uint64]chan *Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewWebsocketDialer(conf.HandshakeTimeout)
	}

	c.limiter = rate.NewLimiter(rate.Inf, 0)
	if conf.OutboundRate > 0 {
		burst := conf.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(conf.OutboundRate), burst)
	}

	c.registry = multiplexor.NewRegistry(multiplexor.RegistryConfig{
		Capacity: conf.QueueCapacity,
		Policy:   conf.OverflowPolicy,
		Observer: c.metrics,
		OnEmpty:  c.onChannelEmpty,
	})
	c.books = domain.NewOrderBookMaintainer(&KrakenDepthUpdateValidator{
		ChecksumDepth:    conf.ChecksumDepth,
		ValidateChecksum: conf.ValidateChecksum,
	}, conf.AutoResync)
	c.books.OnResync(c.resync)
	c.books.OnIntegrityFailure(c.onIntegrityFailure)
	c.lifecycle = multiplexor.NewBroadcaster[domain.ConnectionEvent]("lifecycle", conf.EventBuffer)
	c.integrity = multiplexor.NewBroadcaster[domain.IntegrityEvent]("integrity", conf.EventBuffer)

	return c, nil
}

// Connect dials the exchange and starts the read loop. A failure is a
// *ConnectError; IsRetryable tells whether trying again can help.
func (c *KrakenStreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClientClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.setStateLocked(domain.ConnectionState_Connecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.setStateLocked(domain.ConnectionState_Disconnected)
		c.mu.Unlock()
		return err
	}

	if !c.attach(conn) {
		conn.Close()
		return domain.ErrClientClosed
	}
	c.drainReconnectSignal()
	c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_Connected})
	c.log.WithField("url", c.conf.URL).Info("connected")
	c.resubscribe()

	c.wg.Add(1)
	go c.supervise(conn)
	return nil
}

// Reconnect skips any pending backoff wait and connects again. From a
// terminal Disconnected state it starts a new reconnect cycle; while
// connected it drops the current connection first. It works with automatic
// reconnection disabled, in which case a single dial is attempted. A call
// made while Connect is still dialing is a no-op.
func (c *KrakenStreamClient) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClientClosed
	}
	if c.state == domain.ConnectionState_Connecting {
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	start := !c.running
	if start {
		c.running = true
	}
	if conn != nil {
		c.manual = true
	}
	c.mu.Unlock()

	c.signalReconnect()

	switch {
	case start:
		c.wg.Add(1)
		go c.supervise(nil)
	case conn != nil:
		conn.Close()
	}
	return nil
}

// Close stops the client for good, closing every subscription queue and
// event stream.
func (c *KrakenStreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.setStateLocked(domain.ConnectionState_Disconnected)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failPending()

	if prev != domain.ConnectionState_Disconnected {
		c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_Disconnected, Reason: "client closed"})
	}
	c.registry.CloseAll()
	c.lifecycle.Close()
	c.integrity.Close()
	return nil
}

func (c *KrakenStreamClient) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *KrakenStreamClient) IsConnected() bool {
	return c.State() == domain.ConnectionState_Connected
}

func (c *KrakenStreamClient) IsReconnecting() bool {
	return c.State() == domain.ConnectionState_Reconnecting
}

// ReconnectStatus returns the current attempt number and the delay before
// it, both zero while connected.
func (c *KrakenStreamClient) ReconnectStatus() (attempt int, nextDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt, c.nextDelay
}

func (c *KrakenStreamClient) URL() string {
	return c.conf.URL
}

func (c *KrakenStreamClient) ReconnectConfig() ReconnectConfig {
	return c.conf.Reconnect
}

// ConnectionEvents streams lifecycle transitions. Slow listeners lose the
// oldest events; the supervisor never waits for them.
func (c *KrakenStreamClient) ConnectionEvents() *multiplexor.Subscription[domain.ConnectionEvent] {
	return c.lifecycle.Subscribe()
}

func (c *KrakenStreamClient) IntegrityEvents() *multiplexor.Subscription[domain.IntegrityEvent] {
	return c.integrity.Subscribe()
}

// Request sends method with params under a fresh req_id and waits for the
// matching response. A response with success=false is returned together
// with its *APIError.
func (c *KrakenStreamClient) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	return c.request(ctx, WebSocketRequestModel{Method: method, Params: params, ReqID: c.nextReqID()})
}

func (c *KrakenStreamClient) request(ctx context.Context, msg WebSocketRequestModel) (*Response, error) {
	ch := make(chan *Response, 1)

	c.pendingMx.Lock()
	c.pending[msg.ReqID] = ch
	c.pendingMx.Unlock()

	defer func() {
		c.pendingMx.Lock()
		delete(c.pending, msg.ReqID)
		c.pendingMx.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("%w: connection lost awaiting %s response", domain.ErrNotConnected, msg.Method)
		}
		return resp, resp.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *KrakenStreamClient) nextReqID() uint64 {
	return c.reqID.Add(1)
}

func (c *KrakenStreamClient) send(ctx context.Context, msg WebSocketRequestModel) error {
	data, err := encodeRequest(msg)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", msg.Method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("write %s request: %w", msg.Method, err)
	}
	return nil
}

func (c *KrakenStreamClient) dial(ctx context.Context) (Conn, error) {
	if err := validateURL(c.conf.URL); err != nil {
		return nil, err
	}
	return c.dialer.Dial(ctx, c.conf.URL)
}

// attach installs conn as the live connection unless the client was closed.
func (c *KrakenStreamClient) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.conn = conn
	c.synced = false
	c.attempt = 0
	c.nextDelay = 0
	c.setStateLocked(domain.ConnectionState_Connected)
	return true
}

// supervise serves conn until it fails and then reconnects, for as long as
// the reconnect policy allows. A nil conn starts with a reconnect cycle.
func (c *KrakenStreamClient) supervise(conn Conn) {
	defer c.wg.Done()

	for {
		if conn == nil {
			var err error
			if conn, err = c.reconnectLoop(); err != nil {
				return
			}
		}

		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		retry := c.connectionLost(conn, err)
		conn = nil

		if !retry {
			c.log.Warn("reconnect disabled, staying disconnected")
			return
		}
	}
}

// serve runs the read loop for one connection.
func (c *KrakenStreamClient) serve(conn Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if c.conf.PingInterval > 0 {
		go c.pingLoop(ctx)
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(ctx, raw)
	}
}

func (c *KrakenStreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, WebSocketRequestModel{Method: methodPing, ReqID: c.nextReqID()}); err != nil {
				c.log.WithError(err).Debug("ping failed")
			}
		}
	}
}

// connectionLost tears down conn and reports whether a reconnect cycle
// follows.
func (c *KrakenStreamClient) connectionLost(conn Conn, err error) bool {
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	retry := c.conf.Reconnect.Enabled || c.manual
	c.manual = false
	if retry {
		c.setStateLocked(domain.ConnectionState_Reconnecting)
	} else {
		c.running = false
		c.setStateLocked(domain.ConnectionState_Disconnected)
	}
	c.mu.Unlock()

	stale := c.books.MarkAllStale()
	c.failPending()

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	c.log.WithFields(logger.Fields{"reason": reason, "stale_books": stale}).Warn("connection lost")
	c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_Disconnected, Reason: reason})
	return retry
}

// reconnectLoop dials with exponential backoff until it succeeds, the
// attempt budget runs out or a fatal error occurs. With automatic
// reconnection disabled only a manual request gets here, and it dials once.
func (c *KrakenStreamClient) reconnectLoop() (Conn, error) {
	r := c.conf.Reconnect
	b := &backoff.Backoff{
		Min:    r.InitialDelay,
		Max:    r.MaxDelay,
		Factor: r.Multiplier,
	}

	for attempt := 1; ; attempt++ {
		if r.MaxAttempts > 0 && attempt > r.MaxAttempts {
			c.halt()
			c.log.WithField("attempts", r.MaxAttempts).Error("reconnect attempts exhausted")
			c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_ReconnectExhausted})
			return nil, domain.ErrReconnectExhausted
		}

		delay := b.Duration()
		c.mu.Lock()
		c.attempt = attempt
		c.nextDelay = delay
		c.setStateLocked(domain.ConnectionState_Reconnecting)
		c.mu.Unlock()

		c.metrics.ReconnectAttempt()
		c.log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Info("reconnecting")
		c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_Reconnecting, Attempt: attempt})

		if !c.sleep(delay) {
			return nil, c.ctx.Err()
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, c.ctx.Err()
			}
			c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_ReconnectFailed, Attempt: attempt, Err: err})
			if !IsRetryable(err) || !r.Enabled {
				c.halt()
				return nil, err
			}
			continue
		}

		if !c.attach(conn) {
			conn.Close()
			return nil, domain.ErrClientClosed
		}
		c.drainReconnectSignal()
		c.log.WithField("attempt", attempt).Info("reconnected")
		c.emit(domain.ConnectionEvent{Kind: domain.ConnectionEvent_Reconnected})
		c.resubscribe()
		return conn, nil
	}
}

// sleep waits for d, returning early on a manual reconnect. It reports
// false when the client is shutting down.
func (c *KrakenStreamClient) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.reconnectCh:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// halt ends the reconnect cycle in Disconnected. Reconnect may start a new
// cycle as soon as it returns.
func (c *KrakenStreamClient) halt() {
	c.mu.Lock()
	c.running = false
	c.setStateLocked(domain.ConnectionState_Disconnected)
	c.mu.Unlock()
}

func (c *KrakenStreamClient) signalReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *KrakenStreamClient) drainReconnectSignal() {
	select {
	case <-c.reconnectCh:
	default:
	}
}

// resubscribe sends every active channel again in registration order.
// Channels registered before it finishes are left to it.
func (c *KrakenStreamClient) resubscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	defer func() {
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()
	}()

	for _, req := range c.registry.Active() {
		msg := subscriptionRequest(methodSubscribe, req, c.nextReqID())
		if err := c.send(c.ctx, msg); err != nil {
			c.log.WithError(err).WithFields(logger.Fields{
				"channel": req.Key().String(),
				"request": helpers.ToJsonString(msg),
			}).Warn("resubscribe failed")
			return
		}
	}
}

func (c *KrakenStreamClient) failPending() {
	c.pendingMx.Lock()
	defer c.pendingMx.Unlock()

	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *KrakenStreamClient) setState(state domain.ConnectionState) {
	c.mu.Lock()
	c.setStateLocked(state)
	c.mu.Unlock()
}

func (c *KrakenStreamClient) setStateLocked(state domain.ConnectionState) {
	if c.closed && state != domain.ConnectionState_Disconnected {
		return
	}
	c.state = state
	c.metrics.ConnectionState(state)
}

func (c *KrakenStreamClient) emit(ev domain.ConnectionEvent) {
	ev.Time = time.Now()
	c.lifecycle.Emit(ev)
}

func (c *KrakenStreamClient) handleMessage(ctx context.Context, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		c.metrics.ProtocolError()
		c.log.WithError(err).Warn("dropping frame")
		return
	}
	c.metrics.MessageReceived(f.channel())

	switch f := f.(type) {
	case bookFrame:
		for _, update := range f.updates {
			c.handleBookUpdate(ctx, update)
		}
	case tradeFrame:
		for _, trade := range f.trades {
			c.registry.Publish(ctx, multiplexor.Key{Feed: domain.FeedKind_Trade, Symbol: trade.Symbol}, trade)
		}
	case tickerFrame:
		for _, ticker := range f.tickers {
			c.registry.Publish(ctx, multiplexor.Key{Feed: domain.FeedKind_Ticker, Symbol: ticker.Symbol}, ticker)
		}
	case ohlcFrame:
		for _, candle := range f.candles {
			key := multiplexor.Key{Feed: domain.FeedKind_OHLC, Symbol: candle.Symbol, Interval: candle.Interval}
			c.registry.Publish(ctx, key, candle)
		}
	case heartbeatFrame:
	case statusFrame:
		for _, s := range f.status {
			c.log.WithFields(logger.Fields{
				"system":        s.System,
				"api_version":   s.APIVersion,
				"version":       s.Version,
				"connection_id": s.ConnectionID.String(),
			}).Info("exchange status")
		}
	case responseFrame:
		c.handleResponse(f.resp)
	default:
		c.log.Warnf("unhandled frame %T", f)
	}
}

func (c *KrakenStreamClient) handleBookUpdate(ctx context.Context, update *domain.OrderBookUpdate) {
	snapshot, err := c.books.Apply(update)
	if snapshot == nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPriceLevel):
			c.metrics.ProtocolError()
			c.log.WithError(err).WithField("symbol", update.Symbol).Warn("dropping book message")
		case err != nil:
			c.log.WithError(err).WithField("symbol", update.Symbol).Debug("book message skipped")
		}
		return
	}
	if update.IsSnapshot() {
		c.metrics.OpenOrderBooks(c.books.OrderBookCount())
	}

	c.registry.Publish(ctx, multiplexor.Key{Feed: domain.FeedKind_Book, Symbol: update.Symbol}, domain.BookEvent{
		Symbol:    update.Symbol,
		Type:      update.Type,
		Bids:      update.Bids,
		Asks:      update.Asks,
		Checksum:  update.Checksum,
		Book:      snapshot,
		Valid:     err == nil,
		Timestamp: update.Timestamp,
	})
}

func (c *KrakenStreamClient) handleResponse(resp *Response) {
	if resp.ReqID != 0 {
		c.pendingMx.Lock()
		ch, ok := c.pending[resp.ReqID]
		delete(c.pending, resp.ReqID)
		c.pendingMx.Unlock()

		if ok {
			ch <- resp
			return
		}
	}

	if !resp.OK() {
		c.log.WithFields(logger.Fields{
			"method": resp.Method,
			"req_id": helpers.IntToString(int64(resp.ReqID)),
			"error":  resp.Error,
		}).Warn("request rejected")
	}
}

// resync drops the book channel and asks for a fresh snapshot. It runs on
// the read loop, once per integrity failure.
func (c *KrakenStreamClient) resync(symbol string) {
	req, ok := c.registry.Lookup(multiplexor.Key{Feed: domain.FeedKind_Book, Symbol: symbol})
	if !ok {
		return
	}
	c.metrics.Resync(symbol)

	if err := c.send(c.ctx, subscriptionRequest(methodUnsubscribe, req, c.nextReqID())); err != nil {
		c.log.WithError(err).WithField("symbol", symbol).Warn("resync unsubscribe failed")
		return
	}
	if err := c.send(c.ctx, subscriptionRequest(methodSubscribe, req, c.nextReqID())); err != nil {
		c.log.WithError(err).WithField("symbol", symbol).Warn("resync subscribe failed")
	}
}

func (c *KrakenStreamClient) onIntegrityFailure(ev domain.IntegrityEvent) {
	c.metrics.IntegrityFailure(ev.Symbol, ev.Reason)
	c.integrity.Emit(ev)
}

// live reports whether the current connection is up and already replayed.
func (c *KrakenStreamClient) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.ConnectionState_Connected && c.synced
}

// onChannelEmpty runs when the last subscriber of a channel left.
func (c *KrakenStreamClient) onChannelEmpty(req multiplexor.Request) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if req.Feed == domain.FeedKind_Book {
		c.books.Remove(req.Symbol)
		c.metrics.OpenOrderBooks(c.books.OrderBookCount())
	}

	if !c.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	if err := c.send(ctx, subscriptionRequest(methodUnsubscribe, req, c.nextReqID())); err != nil {
		c.log.WithError(err).WithField("channel", req.Key().String()).Warn("unsubscribe failed")
	}
}
