// Package controlplane serves the daemon's Connect procedures.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bufbuild/connect-go"
	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/contract"
	"github.com/animus-coder/taskplane/internal/fallback"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/routing"
	"github.com/animus-coder/taskplane/internal/rpc"
	"github.com/animus-coder/taskplane/internal/rpc/connectjson"
)

const (
	RouteProcedure          = "/taskplane.v1.ControlPlane/Route"
	ExecuteProcedure        = "/taskplane.v1.ControlPlane/Execute"
	BudgetStatusProcedure   = "/taskplane.v1.ControlPlane/BudgetStatus"
	OverrideBudgetProcedure = "/taskplane.v1.ControlPlane/OverrideBudget"
	ContractStatusProcedure = "/taskplane.v1.ControlPlane/ContractStatus"
)

type Router interface {
	Route(taskType, complexity string) routing.ModelSelection
}

type Executor interface {
	Execute(ctx context.Context, sel routing.ModelSelection, messages []llm.ChatMessage, opts fallback.Options) (fallback.Result, error)
}

type Ledger interface {
	Status() budget.Snapshot
	OverrideBudget(amount float64, reason string) error
}

type Contracts interface {
	Load(taskID string) (*contract.Contract, error)
	List() ([]*contract.Contract, error)
}

// Recorder receives per-call timings and, for failures, the Connect code.
// observability.Metrics satisfies it.
type Recorder interface {
	RecordRPC(procedure string, duration time.Duration, code string)
}

// Service implements the control-plane procedures.
type Service struct {
	router    Router
	exec      Executor
	ledger    Ledger
	contracts Contracts
	recorder  Recorder
	logger    *zap.Logger
}

// NewService builds a Service. recorder and logger may be nil.
func NewService(router Router, exec Executor, ledger Ledger, contracts Contracts, recorder Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		router:    router,
		exec:      exec,
		ledger:    ledger,
		contracts: contracts,
		recorder:  recorder,
		logger:    logger,
	}
}

// Register mounts every procedure on mux.
func (s *Service) Register(mux *http.ServeMux) {
	opts := []connect.HandlerOption{
		connect.WithCodec(connectjson.Codec{}),
		connect.WithInterceptors(s.observe()),
	}
	mux.Handle(RouteProcedure, connect.NewUnaryHandler(RouteProcedure, s.route, opts...))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.execute, opts...))
	mux.Handle(BudgetStatusProcedure, connect.NewUnaryHandler(BudgetStatusProcedure, s.budgetStatus, opts...))
	mux.Handle(OverrideBudgetProcedure, connect.NewUnaryHandler(OverrideBudgetProcedure, s.overrideBudget, opts...))
	mux.Handle(ContractStatusProcedure, connect.NewUnaryHandler(ContractStatusProcedure, s.contractStatus, opts...))
}

func (s *Service) observe() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			started := time.Now()
			res, err := next(ctx, req)
			var code string
			if err != nil {
				code = connect.CodeOf(err).String()
				s.logger.Warn("rpc failed",
					zap.String("procedure", req.Spec().Procedure),
					zap.String("code", code),
					zap.Error(err))
			}
			if s.recorder != nil {
				s.recorder.RecordRPC(req.Spec().Procedure, time.Since(started), code)
			}
			return res, err
		}
	}
}

func (s *Service) route(_ context.Context, req *connect.Request[rpc.RouteRequest]) (*connect.Response[rpc.RouteResponse], error) {
	sel := s.router.Route(req.Msg.TaskType, req.Msg.Complexity)
	return connect.NewResponse(&rpc.RouteResponse{
		Model:         sel.Model,
		Tier:          string(sel.Tier),
		FallbackChain: sel.Chain(),
	}), nil
}

func (s *Service) execute(ctx context.Context, req *connect.Request[rpc.ExecuteRequest]) (*connect.Response[rpc.ExecuteResponse], error) {
	if len(req.Msg.Messages) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("messages are required"))
	}
	messages := make([]llm.ChatMessage, 0, len(req.Msg.Messages))
	for _, m := range req.Msg.Messages {
		role := llm.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		if role == "" {
			role = llm.RoleUser
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: m.Content})
	}

	sel := s.router.Route(req.Msg.TaskType, req.Msg.Complexity)
	if req.Msg.Model != "" {
		sel.Model = req.Msg.Model
	}
	res, err := s.exec.Execute(ctx, sel, messages, fallback.Options{
		TaskType:        req.Msg.TaskType,
		MaxOutputTokens: req.Msg.MaxOutputTokens,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(ToExecuteResponse(res)), nil
}

// ToExecuteResponse converts an executor result to its wire form.
func ToExecuteResponse(res fallback.Result) *rpc.ExecuteResponse {
	out := &rpc.ExecuteResponse{
		ModelUsed:    res.ModelUsed,
		Tier:         string(res.Tier),
		Content:      res.Content,
		FallbackUsed: res.FallbackUsed,
		TokensIn:     res.TokensIn,
		TokensOut:    res.TokensOut,
		CostUSD:      res.CostUSD,
	}
	for _, a := range res.Attempts {
		out.Attempts = append(out.Attempts, rpc.Attempt{
			Model:      a.Model,
			Outcome:    a.Outcome,
			Error:      a.Error,
			DurationMS: a.Duration.Milliseconds(),
		})
	}
	return out
}

func (s *Service) budgetStatus(_ context.Context, _ *connect.Request[rpc.BudgetStatusRequest]) (*connect.Response[rpc.BudgetStatusResponse], error) {
	return connect.NewResponse(&rpc.BudgetStatusResponse{Budget: s.ledger.Status()}), nil
}

func (s *Service) overrideBudget(_ context.Context, req *connect.Request[rpc.OverrideBudgetRequest]) (*connect.Response[rpc.BudgetStatusResponse], error) {
	if strings.TrimSpace(req.Msg.Reason) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("override reason is required"))
	}
	if req.Msg.AmountUSD <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("override amount must be > 0"))
	}
	if err := s.ledger.OverrideBudget(req.Msg.AmountUSD, req.Msg.Reason); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&rpc.BudgetStatusResponse{Budget: s.ledger.Status()}), nil
}

func (s *Service) contractStatus(_ context.Context, req *connect.Request[rpc.ContractStatusRequest]) (*connect.Response[rpc.ContractStatusResponse], error) {
	if req.Msg.TaskID != "" {
		c, err := s.contracts.Load(req.Msg.TaskID)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(&rpc.ContractStatusResponse{Contract: c}), nil
	}

	list, err := s.contracts.List()
	if err != nil && len(list) == 0 {
		return nil, toConnectError(err)
	}
	if err != nil {
		s.logger.Warn("some contracts could not be read", zap.Error(err))
	}
	out := &rpc.ContractStatusResponse{}
	for _, c := range list {
		out.Contracts = append(out.Contracts, rpc.ContractSummary{
			TaskID:    c.TaskID,
			Title:     c.Title,
			Status:    c.Status,
			CostUSD:   c.Breaker.CostUSD,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return connect.NewResponse(out), nil
}

// toConnectError maps domain errors to Connect codes.
func toConnectError(err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, budget.ErrBudgetExceeded):
		code = connect.CodeResourceExhausted
	case errors.Is(err, fallback.ErrChainExhausted):
		code = connect.CodeUnavailable
	case errors.Is(err, contract.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, contract.ErrInvalidTaskID):
		code = connect.CodeInvalidArgument
	case errors.Is(err, contract.ErrIllegalTransition), errors.Is(err, contract.ErrStaleStatus):
		code = connect.CodeFailedPrecondition
	default:
		code = connect.CodeInternal
	}
	return connect.NewError(code, err)
}
