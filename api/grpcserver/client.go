package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/service"
)

// Client calls matchcore.v1.Engine over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req service.SubmitOrder) (*service.SubmitResult, error) {
	return invoke[service.SubmitResult](ctx, c, "SubmitOrder", &req)
}

func (c *Client) CancelOrder(ctx context.Context, account, orderID uint64) (*service.CancelResult, error) {
	return invoke[service.CancelResult](ctx, c, "CancelOrder", &CancelOrderRequest{Account: account, OrderID: orderID})
}

func (c *Client) GetOrderBook(ctx context.Context, pair orderbook.Pair, depth int) (*orderbook.Depth, error) {
	return invoke[orderbook.Depth](ctx, c, "GetOrderBook", &OrderBookRequest{Pair: pair, Depth: depth})
}

func (c *Client) GetBalance(ctx context.Context, account uint64, asset string) (*ledger.Balance, error) {
	return invoke[ledger.Balance](ctx, c, "GetBalance", &BalanceRequest{Account: account, Asset: asset})
}

func (c *Client) Deposit(ctx context.Context, account uint64, asset string, amount int64) (*ledger.Balance, error) {
	return invoke[ledger.Balance](ctx, c, "Deposit", &AdjustRequest{Account: account, Asset: asset, Amount: amount})
}

func (c *Client) Withdraw(ctx context.Context, account uint64, asset string, amount int64) (*ledger.Balance, error) {
	return invoke[ledger.Balance](ctx, c, "Withdraw", &AdjustRequest{Account: account, Asset: asset, Amount: amount})
}
