package rpc

import (
	"context"
	"net"
	"time"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
	"github.com/spooky-finn/go-marketstream/usecase"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "marketstream.v1.MarketData"

// ConnectionInfo reports the stream connection for GetConnectionState.
type ConnectionInfo interface {
	State() domain.ConnectionState
	URL() string
	ReconnectStatus() (attempt int, nextDelay time.Duration)
}

// MarketDataServer is the read-only query service. Requests and responses
// are google.protobuf.Struct.
type MarketDataServer interface {
	GetOrderBook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetImbalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetConnectionState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type server struct {
	orderbookSnapshotUseCase *usecase.OrderBookSnapshotUseCase
	connection               ConnectionInfo
	validationService        *ValidationService
}

func NewServer(uc *usecase.OrderBookSnapshotUseCase, connection ConnectionInfo, conf *ValidationServiceConfig) MarketDataServer {
	return &server{
		orderbookSnapshotUseCase: uc,
		connection:               connection,
		validationService:        NewValidationService(conf),
	}
}

type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(call func(MarketDataServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MarketDataServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(MarketDataServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var MarketDataServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketDataServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrderBook", Handler: unaryHandler(MarketDataServer.GetOrderBook, "GetOrderBook")},
		{MethodName: "GetImbalance", Handler: unaryHandler(MarketDataServer.GetImbalance, "GetImbalance")},
		{MethodName: "GetConnectionState", Handler: unaryHandler(MarketDataServer.GetConnectionState, "GetConnectionState")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketstream/v1/market_data.proto",
}

func RegisterMarketDataServer(s grpc.ServiceRegistrar, srv MarketDataServer) {
	s.RegisterService(&MarketDataServiceDesc, srv)
}

// MarketDataClient calls the query service.
type MarketDataClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataClient(cc grpc.ClientConnInterface) *MarketDataClient {
	return &MarketDataClient{cc: cc}
}

func (c *MarketDataClient) invoke(ctx context.Context, method string, in map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketDataClient) GetOrderBook(ctx context.Context, in map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetOrderBook", in, opts...)
}

func (c *MarketDataClient) GetImbalance(ctx context.Context, in map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetImbalance", in, opts...)
}

func (c *MarketDataClient) GetConnectionState(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetConnectionState", map[string]interface{}{}, opts...)
}

func loggingInterceptor(log *logger.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logger.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Debug("request failed")
		} else {
			entry.Debug("request served")
		}
		return resp, err
	}
}

// NewGRPCServer registers the query service and the standard health service.
func NewGRPCServer(srv MarketDataServer) *grpc.Server {
	log := logger.GetLogger().WithComponent("rpc")
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	RegisterMarketDataServer(s, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, srv MarketDataServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := NewGRPCServer(srv)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logger.GetLogger().WithComponent("rpc").WithField("addr", lis.Addr().String()).Info("grpc server listening")
	return s.Serve(lis)
}
