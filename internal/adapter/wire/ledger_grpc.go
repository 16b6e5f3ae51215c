package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	LedgerServiceName        = "inventory.ledger.v1.Ledger"
	LedgerReserveMethod      = "/inventory.ledger.v1.Ledger/Reserve"
	LedgerRestoreMethod      = "/inventory.ledger.v1.Ledger/Restore"
	LedgerFindLowStockMethod = "/inventory.ledger.v1.Ledger/FindLowStock"
)

type LedgerServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Restore(context.Context, *RestoreRequest) (*RestoreResponse, error)
	FindLowStock(context.Context, *LowStockRequest) (*LowStockResponse, error)
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

func ledgerReserveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Reserve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LedgerReserveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Reserve(ctx, req.(*ReserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func ledgerRestoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestoreRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Restore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LedgerRestoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Restore(ctx, req.(*RestoreRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func ledgerFindLowStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LowStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).FindLowStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LedgerFindLowStockMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).FindLowStock(ctx, req.(*LowStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: ledgerReserveHandler},
		{MethodName: "Restore", Handler: ledgerRestoreHandler},
		{MethodName: "FindLowStock", Handler: ledgerFindLowStockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory/ledger/v1/ledger.json",
}

// LedgerClient calls the ledger service using the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, LedgerReserveMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Restore(ctx context.Context, in *RestoreRequest, opts ...grpc.CallOption) (*RestoreResponse, error) {
	out := new(RestoreResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, LedgerRestoreMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) FindLowStock(ctx context.Context, in *LowStockRequest, opts ...grpc.CallOption) (*LowStockResponse, error) {
	out := new(LowStockResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, LedgerFindLowStockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
