package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVAMM/internal/core"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "perpvamm.v1.EngineService"

const defaultHistoryLimit = 100

// Engine is the read side of the deterministic core
type Engine interface {
	Market(marketID string) (core.MarketView, error)
	Markets() []core.MarketView
	Position(marketID string, trader uuid.UUID) (*state.Position, error)
	MarginRatio(marketID string, trader uuid.UUID) (int64, error)
	PositionNotionalAndUnrealizedPnl(marketID string, trader uuid.UUID) (int64, int64, error)
	PersonalPositionWithFundingPayment(marketID string, trader uuid.UUID) (*state.Position, error)
	PoolBalances(marketID string) (state.PoolBalances, error)
	LiquidatorCredit(marketID string, liquidator uuid.UUID) (int64, error)
	FundingHistory(marketID string, limit int) ([]state.FundingRecord, error)
	Liquidations(marketID string, limit int) ([]state.LiquidationRecord, error)
}

// Ingest is the write side, implemented by ingestion.GRPCIngestService
type Ingest interface {
	Submit(ctx context.Context, eventType string, payload json.RawMessage) (*core.Outcome, error)
	InjectOraclePrice(ctx context.Context, marketID, price string) error
	SettleFunding(ctx context.Context, marketID string) (*core.Outcome, error)
}

// --- Messages ---

type SubmitCommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type OutcomeResponse struct {
	Outcome   *core.Outcome `json:"outcome"`
	StateHash string        `json:"state_hash"`
}

type OraclePriceRequest struct {
	Market string `json:"market"`
	Price  string `json:"price"`
}

type OraclePriceResponse struct {
	Market   string `json:"market"`
	Accepted bool   `json:"accepted"`
}

type MarketRequest struct {
	Market string `json:"market"`
}

type MarketResponse struct {
	Market    core.MarketView `json:"market"`
	SpotPrice string          `json:"spot_price"`
}

type ListMarketsRequest struct{}

type ListMarketsResponse struct {
	Markets []MarketResponse `json:"markets"`
}

type PositionRequest struct {
	Market string `json:"market"`
	Trader string `json:"trader"`
}

// PositionResponse values a position at current reserves. WithFunding is
// the position after pending funding, which is what a trade would see.
type PositionResponse struct {
	Position         *state.Position `json:"position"`
	WithFunding      *state.Position `json:"with_funding"`
	MarginRatio      int64           `json:"margin_ratio"`
	PositionNotional int64           `json:"position_notional"`
	UnrealizedPnl    int64           `json:"unrealized_pnl"`
	Display          PositionDisplay `json:"display"`
}

// PositionDisplay holds decimal renderings of the raw values
type PositionDisplay struct {
	Size             string `json:"size"`
	Margin           string `json:"margin"`
	MarginRatio      string `json:"margin_ratio"`
	PositionNotional string `json:"position_notional"`
	UnrealizedPnl    string `json:"unrealized_pnl"`
}

type PoolBalancesResponse struct {
	Pools         state.PoolBalances `json:"pools"`
	ClearingHouse string             `json:"clearing_house_display"`
	InsuranceFund string             `json:"insurance_fund_display"`
}

type LiquidatorCreditRequest struct {
	Market     string `json:"market"`
	Liquidator string `json:"liquidator"`
}

type LiquidatorCreditResponse struct {
	Market     string `json:"market"`
	Liquidator string `json:"liquidator"`
	Credit     int64  `json:"credit"`
	Display    string `json:"credit_display"`
}

type HistoryRequest struct {
	Market string `json:"market"`
	Limit  int    `json:"limit"`
}

type FundingHistoryResponse struct {
	Records []state.FundingRecord `json:"records"`
}

type LiquidationsResponse struct {
	Records []state.LiquidationRecord `json:"records"`
}

// EngineServer is the server API of ServiceName
type EngineServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*OutcomeResponse, error)
	InjectOraclePrice(context.Context, *OraclePriceRequest) (*OraclePriceResponse, error)
	SettleFunding(context.Context, *MarketRequest) (*OutcomeResponse, error)
	GetMarket(context.Context, *MarketRequest) (*MarketResponse, error)
	ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error)
	GetPosition(context.Context, *PositionRequest) (*PositionResponse, error)
	GetPoolBalances(context.Context, *MarketRequest) (*PoolBalancesResponse, error)
	GetLiquidatorCredit(context.Context, *LiquidatorCreditRequest) (*LiquidatorCreditResponse, error)
	GetFundingHistory(context.Context, *HistoryRequest) (*FundingHistoryResponse, error)
	GetLiquidations(context.Context, *HistoryRequest) (*LiquidationsResponse, error)
}

// --- Implementation ---

type engineService struct {
	engine Engine
	ingest Ingest
}

// NewEngineService binds the core and the ingestion shell. ingest may be
// nil for a read-only replica.
func NewEngineService(engine Engine, ingest Ingest) EngineServer {
	return &engineService{engine: engine, ingest: ingest}
}

func (s *engineService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*OutcomeResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "command ingestion disabled")
	}
	if req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	outcome, err := s.ingest.Submit(ctx, req.Type, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return outcomeResponse(outcome), nil
}

func (s *engineService) InjectOraclePrice(ctx context.Context, req *OraclePriceRequest) (*OraclePriceResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "command ingestion disabled")
	}
	if req.Market == "" || req.Price == "" {
		return nil, status.Error(codes.InvalidArgument, "market and price are required")
	}
	if err := s.ingest.InjectOraclePrice(ctx, req.Market, req.Price); err != nil {
		return nil, toStatus(err)
	}
	return &OraclePriceResponse{Market: req.Market, Accepted: true}, nil
}

func (s *engineService) SettleFunding(ctx context.Context, req *MarketRequest) (*OutcomeResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unavailable, "command ingestion disabled")
	}
	outcome, err := s.ingest.SettleFunding(ctx, req.Market)
	if err != nil {
		return nil, toStatus(err)
	}
	return outcomeResponse(outcome), nil
}

func (s *engineService) GetMarket(_ context.Context, req *MarketRequest) (*MarketResponse, error) {
	view, err := s.engine.Market(req.Market)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := marketResponse(view)
	return &resp, nil
}

func (s *engineService) ListMarkets(context.Context, *ListMarketsRequest) (*ListMarketsResponse, error) {
	views := s.engine.Markets()
	resp := &ListMarketsResponse{Markets: make([]MarketResponse, 0, len(views))}
	for _, v := range views {
		resp.Markets = append(resp.Markets, marketResponse(v))
	}
	return resp, nil
}

func (s *engineService) GetPosition(_ context.Context, req *PositionRequest) (*PositionResponse, error) {
	trader, err := parseUUID("trader", req.Trader)
	if err != nil {
		return nil, err
	}
	fp, err := s.decimals(req.Market)
	if err != nil {
		return nil, err
	}

	pos, err := s.engine.Position(req.Market, trader)
	if err != nil {
		return nil, toStatus(err)
	}
	withFunding, err := s.engine.PersonalPositionWithFundingPayment(req.Market, trader)
	if err != nil {
		return nil, toStatus(err)
	}
	ratio, err := s.engine.MarginRatio(req.Market, trader)
	if err != nil {
		return nil, toStatus(err)
	}
	notional, pnl, err := s.engine.PositionNotionalAndUnrealizedPnl(req.Market, trader)
	if err != nil {
		return nil, toStatus(err)
	}

	return &PositionResponse{
		Position:         pos,
		WithFunding:      withFunding,
		MarginRatio:      ratio,
		PositionNotional: notional,
		UnrealizedPnl:    pnl,
		Display: PositionDisplay{
			Size:             fp.Format(pos.Size),
			Margin:           fp.Format(withFunding.Margin),
			MarginRatio:      fp.Format(ratio),
			PositionNotional: fp.Format(notional),
			UnrealizedPnl:    fp.Format(pnl),
		},
	}, nil
}

func (s *engineService) GetPoolBalances(_ context.Context, req *MarketRequest) (*PoolBalancesResponse, error) {
	fp, err := s.decimals(req.Market)
	if err != nil {
		return nil, err
	}
	pools, err := s.engine.PoolBalances(req.Market)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PoolBalancesResponse{
		Pools:         pools,
		ClearingHouse: fp.Format(pools.ClearingHouse),
		InsuranceFund: fp.Format(pools.InsuranceFund),
	}, nil
}

func (s *engineService) GetLiquidatorCredit(_ context.Context, req *LiquidatorCreditRequest) (*LiquidatorCreditResponse, error) {
	liquidator, err := parseUUID("liquidator", req.Liquidator)
	if err != nil {
		return nil, err
	}
	fp, err := s.decimals(req.Market)
	if err != nil {
		return nil, err
	}
	credit, err := s.engine.LiquidatorCredit(req.Market, liquidator)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidatorCreditResponse{
		Market:     req.Market,
		Liquidator: liquidator.String(),
		Credit:     credit,
		Display:    fp.Format(credit),
	}, nil
}

func (s *engineService) GetFundingHistory(_ context.Context, req *HistoryRequest) (*FundingHistoryResponse, error) {
	records, err := s.engine.FundingHistory(req.Market, historyLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &FundingHistoryResponse{Records: records}, nil
}

func (s *engineService) GetLiquidations(_ context.Context, req *HistoryRequest) (*LiquidationsResponse, error) {
	records, err := s.engine.Liquidations(req.Market, historyLimit(req.Limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidationsResponse{Records: records}, nil
}

func (s *engineService) decimals(marketID string) (fpmath.DecimalConfig, error) {
	view, err := s.engine.Market(marketID)
	if err != nil {
		return fpmath.DecimalConfig{}, toStatus(err)
	}
	return view.Params.Decimals, nil
}

func marketResponse(v core.MarketView) MarketResponse {
	return MarketResponse{Market: v, SpotPrice: v.Params.Decimals.Format(v.SpotPrice)}
}

func outcomeResponse(o *core.Outcome) *OutcomeResponse {
	resp := &OutcomeResponse{Outcome: o}
	if o != nil {
		resp.StateHash = hex.EncodeToString(o.StateHash[:])
	}
	return resp
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// --- Service descriptor ---

// unaryHandler adapts a typed method to the grpc.MethodDesc handler signature
func unaryHandler[Req any, Resp any](method string, call func(EngineServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, method)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(EngineServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitCommand", Handler: unaryHandler("SubmitCommand", EngineServer.SubmitCommand)},
		{MethodName: "InjectOraclePrice", Handler: unaryHandler("InjectOraclePrice", EngineServer.InjectOraclePrice)},
		{MethodName: "SettleFunding", Handler: unaryHandler("SettleFunding", EngineServer.SettleFunding)},
		{MethodName: "GetMarket", Handler: unaryHandler("GetMarket", EngineServer.GetMarket)},
		{MethodName: "ListMarkets", Handler: unaryHandler("ListMarkets", EngineServer.ListMarkets)},
		{MethodName: "GetPosition", Handler: unaryHandler("GetPosition", EngineServer.GetPosition)},
		{MethodName: "GetPoolBalances", Handler: unaryHandler("GetPoolBalances", EngineServer.GetPoolBalances)},
		{MethodName: "GetLiquidatorCredit", Handler: unaryHandler("GetLiquidatorCredit", EngineServer.GetLiquidatorCredit)},
		{MethodName: "GetFundingHistory", Handler: unaryHandler("GetFundingHistory", EngineServer.GetFundingHistory)},
		{MethodName: "GetLiquidations", Handler: unaryHandler("GetLiquidations", EngineServer.GetLiquidations)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpvamm/v1/engine",
}

// RegisterEngineServer registers srv on s
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

// --- Client ---

// EngineClient calls ServiceName over the JSON codec
type EngineClient struct {
	cc grpc.ClientConnInterface
}

func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *EngineClient, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{JSONCallOption()}, opts...)
	if err := c.cc.Invoke(ctx, fmt.Sprintf("/%s/%s", ServiceName, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EngineClient) SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*OutcomeResponse, error) {
	return invoke[OutcomeResponse](ctx, c, "SubmitCommand", in, opts)
}

func (c *EngineClient) InjectOraclePrice(ctx context.Context, in *OraclePriceRequest, opts ...grpc.CallOption) (*OraclePriceResponse, error) {
	return invoke[OraclePriceResponse](ctx, c, "InjectOraclePrice", in, opts)
}

func (c *EngineClient) SettleFunding(ctx context.Context, in *MarketRequest, opts ...grpc.CallOption) (*OutcomeResponse, error) {
	return invoke[OutcomeResponse](ctx, c, "SettleFunding", in, opts)
}

func (c *EngineClient) GetMarket(ctx context.Context, in *MarketRequest, opts ...grpc.CallOption) (*MarketResponse, error) {
	return invoke[MarketResponse](ctx, c, "GetMarket", in, opts)
}

func (c *EngineClient) ListMarkets(ctx context.Context, in *ListMarketsRequest, opts ...grpc.CallOption) (*ListMarketsResponse, error) {
	return invoke[ListMarketsResponse](ctx, c, "ListMarkets", in, opts)
}

func (c *EngineClient) GetPosition(ctx context.Context, in *PositionRequest, opts ...grpc.CallOption) (*PositionResponse, error) {
	return invoke[PositionResponse](ctx, c, "GetPosition", in, opts)
}

func (c *EngineClient) GetPoolBalances(ctx context.Context, in *MarketRequest, opts ...grpc.CallOption) (*PoolBalancesResponse, error) {
	return invoke[PoolBalancesResponse](ctx, c, "GetPoolBalances", in, opts)
}

func (c *EngineClient) GetLiquidatorCredit(ctx context.Context, in *LiquidatorCreditRequest, opts ...grpc.CallOption) (*LiquidatorCreditResponse, error) {
	return invoke[LiquidatorCreditResponse](ctx, c, "GetLiquidatorCredit", in, opts)
}

func (c *EngineClient) GetFundingHistory(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*FundingHistoryResponse, error) {
	return invoke[FundingHistoryResponse](ctx, c, "GetFundingHistory", in, opts)
}

func (c *EngineClient) GetLiquidations(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*LiquidationsResponse, error) {
	return invoke[LiquidationsResponse](ctx, c, "GetLiquidations", in, opts)
}
