package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/caesar-terminal/depth/internal/adapter"
)

const (
	serviceName = "depth.query.v1.TopOfBook"
	getMethod   = "/" + serviceName + "/Get"
	listMethod  = "/" + serviceName + "/List"
)

// TopOfBookServer answers book lookups. Requests and responses use the
// protobuf well-known types so no generated code is needed: Get takes an
// "exchange:symbol" key and returns the book as a Struct, List returns
// every known key.
type TopOfBookServer interface {
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// ServiceDesc describes the TopOfBook service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TopOfBookServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "depth/query/v1/query.proto",
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TopOfBookServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TopOfBookServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TopOfBookServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TopOfBookServer).List(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Handler implements TopOfBookServer on a Registry.
type Handler struct {
	registry *Registry
}

// NewHandler creates a handler backed by r.
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// Get returns one book.
func (h *Handler) Get(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	exchange, symbol, ok := strings.Cut(req.GetValue(), ":")
	if !ok || exchange == "" || symbol == "" {
		return nil, status.Errorf(codes.InvalidArgument, "key %q is not exchange:symbol", req.GetValue())
	}
	tob, healthy, ok := h.registry.Get(adapter.Exchange(exchange), symbol)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no book %s", req.GetValue())
	}
	s, err := encode(tob, healthy)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// List returns every known book key.
func (h *Handler) List(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	keys := h.registry.Keys()
	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = k
	}
	return structpb.NewList(vals)
}

func encode(tob adapter.TopOfBook, healthy bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"exchange": string(tob.Exchange),
		"symbol":   tob.Symbol,
		// Sequence ids can exceed the 2^53 a JSON number holds exactly.
		"last_update_id": fmt.Sprint(tob.LastUpdateID),
		"healthy":        healthy,
		"bids":           encodeLevels(tob.Bids),
		"asks":           encodeLevels(tob.Asks),
		"ts":             tob.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func encodeLevels(levels []adapter.PriceLevel) []any {
	out := make([]any, len(levels))
	for i, l := range levels {
		out[i] = []any{l.Price, l.Size}
	}
	return out
}

// Decode turns a Get response back into a TopOfBook.
func Decode(s *structpb.Struct) (tob adapter.TopOfBook, healthy bool, err error) {
	f := s.GetFields()
	tob.Exchange = adapter.Exchange(f["exchange"].GetStringValue())
	tob.Symbol = f["symbol"].GetStringValue()
	if _, err := fmt.Sscan(f["last_update_id"].GetStringValue(), &tob.LastUpdateID); err != nil {
		return tob, false, fmt.Errorf("last_update_id: %w", err)
	}
	healthy = f["healthy"].GetBoolValue()
	if tob.Bids, err = decodeLevels(f["bids"]); err != nil {
		return tob, false, fmt.Errorf("bids: %w", err)
	}
	if tob.Asks, err = decodeLevels(f["asks"]); err != nil {
		return tob, false, fmt.Errorf("asks: %w", err)
	}
	if ts := f["ts"].GetStringValue(); ts != "" {
		if tob.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return tob, false, fmt.Errorf("ts: %w", err)
		}
	}
	return tob, healthy, nil
}

func decodeLevels(v *structpb.Value) ([]adapter.PriceLevel, error) {
	vals := v.GetListValue().GetValues()
	out := make([]adapter.PriceLevel, 0, len(vals))
	for _, lv := range vals {
		pair := lv.GetListValue().GetValues()
		if len(pair) != 2 {
			return nil, fmt.Errorf("level has %d elements", len(pair))
		}
		out = append(out, adapter.PriceLevel{Price: pair[0].GetNumberValue(), Size: pair[1].GetNumberValue()})
	}
	return out, nil
}
