package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/multiplexor"
	"github.com/spooky-finn/go-marketstream/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeStream struct {
	books *domain.OrderbookMaintainer
}

func (f *fakeStream) SubscribeOrderbook(ctx context.Context, symbol string, depth int) (*multiplexor.Subscription[domain.BookEvent], error) {
	return nil, domain.ErrNotConnected
}

func (f *fakeStream) OrderBookSnapshot(symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	return f.books.Snapshot(symbol, depth)
}

func (f *fakeStream) OrderBookSymbols() []string {
	return f.books.Symbols()
}

func (f *fakeStream) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState_Connected
}

type fakeConnection struct{}

func (fakeConnection) State() domain.ConnectionState { return domain.ConnectionState_Reconnecting }
func (fakeConnection) URL() string                   { return "wss://ws.kraken.com/v2" }
func (fakeConnection) ReconnectStatus() (int, time.Duration) {
	return 3, 400 * time.Millisecond
}

func newTestServer(t *testing.T) (*MarketDataClient, *grpc.ClientConn, *fakeStream) {
	t.Helper()

	stream := &fakeStream{books: domain.NewOrderBookMaintainer(nil, false)}
	stream.books.Track("BTC/USD", 10)
	_, err := stream.books.Apply(&domain.OrderBookUpdate{
		Symbol: "BTC/USD",
		Type:   domain.BookMessage_Snapshot,
		Bids:   []domain.PriceLevel{{Price: 100, Qty: 3}, {Price: 99, Qty: 2}},
		Asks:   []domain.PriceLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 1}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	uc := usecase.NewOrderBookSnapshotUseCase(ctx, stream, usecase.Config{})
	srv := NewServer(uc, fakeConnection{}, &ValidationServiceConfig{AvailableSymbols: []string{"BTC/USD", "ETH/USD"}})

	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(srv)
	go s.Serve(lis)

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.Stop()
		cancel()
	})
	return NewMarketDataClient(conn), conn, stream
}

func TestGetOrderBook(t *testing.T) {
	client, _, _ := newTestServer(t)

	out, err := client.GetOrderBook(context.Background(), map[string]interface{}{"symbol": "btc/usd", "depth": 1})
	require.NoError(t, err)

	fields := out.AsMap()
	assert.NotEmpty(t, fields["id"])
	assert.Equal(t, "BTC/USD", fields["symbol"])
	assert.Equal(t, "Ok", fields["status"])
	assert.Len(t, fields["bids"], 1)
	assert.Len(t, fields["asks"], 1)
	assert.Equal(t, 1.0, fields["spread"])
	assert.Equal(t, 100.5, fields["mid_price"])
	assert.Equal(t, map[string]interface{}{"price": 100.0, "qty": 3.0}, fields["best_bid"])
}

func TestGetOrderBook_Errors(t *testing.T) {
	client, _, stream := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   map[string]interface{}
		code codes.Code
	}{
		{"bad symbol", map[string]interface{}{"symbol": "BTCUSD"}, codes.InvalidArgument},
		{"unsupported symbol", map[string]interface{}{"symbol": "XMR/BTC"}, codes.InvalidArgument},
		{"negative depth", map[string]interface{}{"symbol": "BTC/USD", "depth": -1}, codes.InvalidArgument},
		{"fractional depth", map[string]interface{}{"symbol": "BTC/USD", "depth": 1.5}, codes.InvalidArgument},
		{"unknown book", map[string]interface{}{"symbol": "ETH/USD"}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.GetOrderBook(ctx, tt.in)
			assert.Equal(t, tt.code, status.Code(err), err)
		})
	}

	stream.books.MarkAllStale()
	_, err := client.GetOrderBook(ctx, map[string]interface{}{"symbol": "BTC/USD"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGetImbalance(t *testing.T) {
	client, _, _ := newTestServer(t)
	ctx := context.Background()

	out, err := client.GetImbalance(ctx, map[string]interface{}{
		"symbol":    "BTC/USD",
		"top_n":     1,
		"depth_pct": 0.05,
		"threshold": 0.3,
	})
	require.NoError(t, err)

	fields := out.AsMap()
	// 5 bid vs 2 ask overall, 3 vs 1 at the top
	assert.InDelta(t, 3.0/7.0, fields["imbalance"], 1e-9)
	assert.InDelta(t, 0.5, fields["imbalance_top_n"], 1e-9)
	assert.InDelta(t, 3.0/7.0, fields["imbalance_within_depth"], 1e-9)
	assert.Equal(t, "Bullish", fields["signal"])

	metrics := fields["metrics"].(map[string]interface{})
	assert.Equal(t, 5.0, metrics["bid_volume"])
	assert.Equal(t, 2.5, metrics["bid_ask_ratio"])

	_, err = client.GetImbalance(ctx, map[string]interface{}{"symbol": "BTC/USD", "threshold": 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetConnectionState(t *testing.T) {
	client, _, _ := newTestServer(t)

	out, err := client.GetConnectionState(context.Background())
	require.NoError(t, err)

	fields := out.AsMap()
	assert.Equal(t, "Reconnecting", fields["state"])
	assert.Equal(t, "wss://ws.kraken.com/v2", fields["url"])
	assert.Equal(t, 3.0, fields["reconnect_attempt"])
	assert.Equal(t, 400.0, fields["next_delay_ms"])
}

func TestHealth(t *testing.T) {
	_, conn, _ := newTestServer(t)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestValidationService(t *testing.T) {
	v := NewValidationService(&ValidationServiceConfig{})

	assert.True(t, v.IsSupportedSymbol("DOGE/EUR"))
	assert.NoError(t, v.ValidateDepth(0))
	assert.NoError(t, v.ValidateDepth(defaultMaxDepth))
	assert.ErrorIs(t, v.ValidateDepth(defaultMaxDepth+1), domain.ErrInvalidDepth)

	ms, err := v.ParseSymbol("doge/eur")
	require.NoError(t, err)
	assert.Equal(t, "DOGE/EUR", ms.String())

	_, err = v.ParseSymbol("DOGE-EUR")
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
}
