package controlplane

import (
	"context"
	"strings"

	"github.com/bufbuild/connect-go"

	"github.com/animus-coder/taskplane/internal/rpc"
	"github.com/animus-coder/taskplane/internal/rpc/connectjson"
)

// Client calls a running daemon.
type Client struct {
	route          *connect.Client[rpc.RouteRequest, rpc.RouteResponse]
	execute        *connect.Client[rpc.ExecuteRequest, rpc.ExecuteResponse]
	budgetStatus   *connect.Client[rpc.BudgetStatusRequest, rpc.BudgetStatusResponse]
	overrideBudget *connect.Client[rpc.OverrideBudgetRequest, rpc.BudgetStatusResponse]
	contractStatus *connect.Client[rpc.ContractStatusRequest, rpc.ContractStatusResponse]
}

// NewClient targets baseURL, e.g. http://127.0.0.1:8088.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(connectjson.Codec{})
	return &Client{
		route:          connect.NewClient[rpc.RouteRequest, rpc.RouteResponse](httpClient, baseURL+RouteProcedure, codec),
		execute:        connect.NewClient[rpc.ExecuteRequest, rpc.ExecuteResponse](httpClient, baseURL+ExecuteProcedure, codec),
		budgetStatus:   connect.NewClient[rpc.BudgetStatusRequest, rpc.BudgetStatusResponse](httpClient, baseURL+BudgetStatusProcedure, codec),
		overrideBudget: connect.NewClient[rpc.OverrideBudgetRequest, rpc.BudgetStatusResponse](httpClient, baseURL+OverrideBudgetProcedure, codec),
		contractStatus: connect.NewClient[rpc.ContractStatusRequest, rpc.ContractStatusResponse](httpClient, baseURL+ContractStatusProcedure, codec),
	}
}

func (c *Client) Route(ctx context.Context, req rpc.RouteRequest) (*rpc.RouteResponse, error) {
	res, err := c.route.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) Execute(ctx context.Context, req rpc.ExecuteRequest) (*rpc.ExecuteResponse, error) {
	res, err := c.execute.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) BudgetStatus(ctx context.Context) (*rpc.BudgetStatusResponse, error) {
	res, err := c.budgetStatus.CallUnary(ctx, connect.NewRequest(&rpc.BudgetStatusRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) OverrideBudget(ctx context.Context, amountUSD float64, reason string) (*rpc.BudgetStatusResponse, error) {
	res, err := c.overrideBudget.CallUnary(ctx, connect.NewRequest(&rpc.OverrideBudgetRequest{AmountUSD: amountUSD, Reason: reason}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// ContractStatus fetches one contract, or the active list when taskID is empty.
func (c *Client) ContractStatus(ctx context.Context, taskID string) (*rpc.ContractStatusResponse, error) {
	res, err := c.contractStatus.CallUnary(ctx, connect.NewRequest(&rpc.ContractStatusRequest{TaskID: taskID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
