// Package grpcserver exposes the engine as the gRPC service
// matchcore.v1.Engine. Messages are JSON encoded.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/service"
)

const ServiceName = "matchcore.v1.Engine"

// Engine is the part of service.Engine the adapter calls.
type Engine interface {
	SubmitOrder(ctx context.Context, req service.SubmitOrder) (service.SubmitResult, error)
	CancelOrder(ctx context.Context, account, orderID uint64) (service.CancelResult, error)
	GetOrderBook(ctx context.Context, pair orderbook.Pair, depth int) (orderbook.Depth, error)
	GetBalance(ctx context.Context, account uint64, asset string) (ledger.Balance, error)
	Deposit(ctx context.Context, account uint64, asset string, amount int64) (ledger.Balance, error)
	Withdraw(ctx context.Context, account uint64, asset string, amount int64) (ledger.Balance, error)
}

// -------------------- Messages --------------------

type CancelOrderRequest struct {
	Account uint64 `json:"account"`
	OrderID uint64 `json:"order_id"`
}

type OrderBookRequest struct {
	Pair  orderbook.Pair `json:"pair"`
	Depth int            `json:"depth"`
}

type BalanceRequest struct {
	Account uint64 `json:"account"`
	Asset   string `json:"asset"`
}

type AdjustRequest struct {
	Account uint64 `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// -------------------- Server --------------------

type Server struct {
	eng Engine
}

func NewServer(eng Engine) *Server {
	return &Server{eng: eng}
}

func (s *Server) SubmitOrder(ctx context.Context, req *service.SubmitOrder) (*service.SubmitResult, error) {
	res, err := s.eng.SubmitOrder(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*service.CancelResult, error) {
	res, err := s.eng.CancelOrder(ctx, req.Account, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) GetOrderBook(ctx context.Context, req *OrderBookRequest) (*orderbook.Depth, error) {
	if !req.Pair.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid pair %q", req.Pair)
	}
	d, err := s.eng.GetOrderBook(ctx, req.Pair, req.Depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return &d, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*ledger.Balance, error) {
	b, err := s.eng.GetBalance(ctx, req.Account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &b, nil
}

func (s *Server) Deposit(ctx context.Context, req *AdjustRequest) (*ledger.Balance, error) {
	b, err := s.eng.Deposit(ctx, req.Account, req.Asset, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &b, nil
}

func (s *Server) Withdraw(ctx context.Context, req *AdjustRequest) (*ledger.Balance, error) {
	b, err := s.eng.Withdraw(ctx, req.Account, req.Asset, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &b, nil
}

// -------------------- Registration --------------------

// EngineServer is implemented by *Server.
type EngineServer interface {
	SubmitOrder(context.Context, *service.SubmitOrder) (*service.SubmitResult, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*service.CancelResult, error)
	GetOrderBook(context.Context, *OrderBookRequest) (*orderbook.Depth, error)
	GetBalance(context.Context, *BalanceRequest) (*ledger.Balance, error)
	Deposit(context.Context, *AdjustRequest) (*ledger.Balance, error)
	Withdraw(context.Context, *AdjustRequest) (*ledger.Balance, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", EngineServer.SubmitOrder),
		unary("CancelOrder", EngineServer.CancelOrder),
		unary("GetOrderBook", EngineServer.GetOrderBook),
		unary("GetBalance", EngineServer.GetBalance),
		unary("Deposit", EngineServer.Deposit),
		unary("Withdraw", EngineServer.Withdraw),
	},
	Metadata: "matchcore/v1/engine",
}

func unary[Req, Resp any](name string, call func(EngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			})
		},
	}
}

// NewGRPCServer builds a server with the JSON codec and request logging and
// registers srv on it.
func NewGRPCServer(srv EngineServer, log zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(LoggingInterceptor(log)),
	}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, srv)
	return g
}

// LoggingInterceptor logs every call at debug and faults at error.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	log = log.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		ev := log.Debug()
		if code == codes.Internal || code == codes.Unavailable || code == codes.Unknown {
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).Str("code", code.String()).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, service.ErrInvalidOrder), errors.Is(err, service.ErrInvalidAmount):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrInsufficientFunds), errors.Is(err, service.ErrAlreadyTerminal):
		code = codes.FailedPrecondition
	case errors.Is(err, service.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, service.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, service.ErrDurability), errors.Is(err, service.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
