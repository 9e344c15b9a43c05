package rpc

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/usecase"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *server) GetOrderBook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	marketSymbol, err := s.validationService.ParseSymbol(stringField(in, "symbol"))
	if err != nil {
		return nil, toStatus(err)
	}
	depth, err := intField(in, "depth")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.validationService.ValidateDepth(depth); err != nil {
		return nil, toStatus(err)
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(marketSymbol, depth)
	if err != nil {
		return nil, toStatus(err)
	}

	out := map[string]interface{}{
		"id":             snapshot.ID,
		"symbol":         snapshot.Symbol,
		"timestamp":      snapshot.Timestamp.UTC().Format(time.RFC3339Nano),
		"sequence":       float64(snapshot.Sequence),
		"status":         string(snapshot.Status),
		"checksum_valid": snapshot.ChecksumValid,
		"bids":           levelsToList(snapshot.Bids),
		"asks":           levelsToList(snapshot.Asks),
	}
	if bid, ok := snapshot.BestBid(); ok {
		out["best_bid"] = levelToMap(bid)
	}
	if ask, ok := snapshot.BestAsk(); ok {
		out["best_ask"] = levelToMap(ask)
	}
	if spread, ok := snapshot.Spread(); ok {
		out["spread"] = spread
	}
	if mid, ok := snapshot.MidPrice(); ok {
		out["mid_price"] = mid
	}
	return newStruct(out)
}

func (s *server) GetImbalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	marketSymbol, err := s.validationService.ParseSymbol(stringField(in, "symbol"))
	if err != nil {
		return nil, toStatus(err)
	}
	topN, err := intField(in, "top_n")
	if err != nil {
		return nil, toStatus(err)
	}
	depth, err := intField(in, "depth")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.validationService.ValidateDepth(depth); err != nil {
		return nil, toStatus(err)
	}

	report, err := s.orderbookSnapshotUseCase.GetImbalance(marketSymbol, usecase.ImbalanceQuery{
		TopN:      topN,
		DepthPct:  numberField(in, "depth_pct"),
		Threshold: numberField(in, "threshold"),
		Depth:     depth,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	m := report.Metrics
	out := map[string]interface{}{
		"symbol":    report.Symbol,
		"status":    string(report.Status),
		"imbalance": report.Imbalance,
		"signal":    string(report.Signal),
		"metrics": map[string]interface{}{
			"bid_volume":      m.BidVolume,
			"ask_volume":      m.AskVolume,
			"imbalance_ratio": m.ImbalanceRatio,
			"bid_ask_ratio":   finiteOrNil(m.BidAskRatio),
			"bid_levels":      m.BidLevels,
			"ask_levels":      m.AskLevels,
		},
	}
	if report.ImbalanceTopN != nil {
		out["imbalance_top_n"] = *report.ImbalanceTopN
	}
	if report.ImbalanceWithinDepth != nil {
		out["imbalance_within_depth"] = *report.ImbalanceWithinDepth
	}
	return newStruct(out)
}

func (s *server) GetConnectionState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	attempt, delay := s.connection.ReconnectStatus()
	return newStruct(map[string]interface{}{
		"state":             s.connection.State().String(),
		"url":               s.connection.URL(),
		"reconnect_attempt": attempt,
		"next_delay_ms":     delay.Milliseconds(),
	})
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrInvalidSymbol),
		errors.Is(err, domain.ErrInvalidDepth),
		errors.Is(err, domain.ErrInvalidThreshold):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrOrderBookNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrOrderBookStale),
		errors.Is(err, domain.ErrOrderBookInvalid),
		errors.Is(err, domain.ErrNotConnected):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

func numberField(in *structpb.Struct, name string) float64 {
	return in.GetFields()[name].GetNumberValue()
}

// intField reads an optional whole number; missing is 0.
func intField(in *structpb.Struct, name string) (int, error) {
	v := numberField(in, name)
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a whole number", name)
	}
	return int(v), nil
}

func levelToMap(l domain.PriceLevel) map[string]interface{} {
	return map[string]interface{}{"price": l.Price, "qty": l.Qty}
}

func levelsToList(levels []domain.PriceLevel) []interface{} {
	out := make([]interface{}, len(levels))
	for i, l := range levels {
		out[i] = levelToMap(l)
	}
	return out
}

// finiteOrNil maps +Inf, which JSON cannot carry, to null.
func finiteOrNil(v float64) interface{} {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
