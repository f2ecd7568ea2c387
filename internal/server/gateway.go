package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVAMM/internal/query"
)

const maxBodyBytes = 1 << 20

// ReadModel is the projection-backed query API, implemented by
// query.Service
type ReadModel interface {
	GetMarket(ctx context.Context, marketID string) (*query.MarketResponse, error)
	ListMarkets(ctx context.Context) ([]query.MarketResponse, error)
	GetPositions(ctx context.Context, trader uuid.UUID) ([]query.PositionResponse, error)
	GetFundingHistory(ctx context.Context, marketID string, limit int, beforeBlock *int64) ([]query.FundingHistoryResponse, error)
	GetLiquidations(ctx context.Context, marketID string, trader uuid.UUID, limit int) ([]query.LiquidationResponse, error)
	GetPools(ctx context.Context, marketID string) (*query.PoolsResponse, error)
	GetBalance(ctx context.Context, accountPath string) (*query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, accountPrefix string, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type routeFunc func(r *http.Request, params map[string]string) (interface{}, error)

type route struct {
	method  string
	pattern string
	name    string
	fn      routeFunc
}

// HTTPHandler returns the gateway mux with every REST route and the
// health probes.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		// commands
		{"POST", "/v1/commands/{type}", "SubmitCommand", s.httpSubmitCommand},
		{"POST", "/v1/markets/{market}/oracle", "InjectOraclePrice", s.httpInjectOraclePrice},
		{"POST", "/v1/markets/{market}/funding", "SettleFunding", s.httpSettleFunding},

		// live state from the core
		{"GET", "/v1/markets", "ListMarkets", s.httpListMarkets},
		{"GET", "/v1/markets/{market}", "GetMarket", s.httpGetMarket},
		{"GET", "/v1/markets/{market}/positions/{trader}", "GetPosition", s.httpGetPosition},
		{"GET", "/v1/markets/{market}/pools", "GetPoolBalances", s.httpGetPoolBalances},
		{"GET", "/v1/markets/{market}/liquidators/{liquidator}", "GetLiquidatorCredit", s.httpGetLiquidatorCredit},
		{"GET", "/v1/markets/{market}/funding", "GetFundingHistory", s.httpGetFundingHistory},
		{"GET", "/v1/markets/{market}/liquidations", "GetLiquidations", s.httpGetLiquidations},

		// projections
		{"GET", "/v1/read/markets", "ReadListMarkets", s.readListMarkets},
		{"GET", "/v1/read/markets/{market}", "ReadGetMarket", s.readGetMarket},
		{"GET", "/v1/read/markets/{market}/funding", "ReadFundingHistory", s.readFundingHistory},
		{"GET", "/v1/read/markets/{market}/pools", "ReadPools", s.readPools},
		{"GET", "/v1/read/traders/{trader}/positions", "ReadPositions", s.readPositions},
		{"GET", "/v1/read/liquidations", "ReadLiquidations", s.readLiquidations},
		{"GET", "/v1/read/balances", "ReadBalance", s.readBalance},
		{"GET", "/v1/read/journal", "ReadJournal", s.readJournal},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", s.readIntegrity},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.handle(rt.name, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	liveness := func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	readiness := liveness
	if s.healthChecker != nil {
		liveness = func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.LivenessHandler(w, r)
		}
		readiness = func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.ReadinessHandler(w, r)
		}
	}
	if err := mux.HandlePath("GET", "/healthz", liveness); err != nil {
		return nil, err
	}
	if err := mux.HandlePath("GET", "/readyz", readiness); err != nil {
		return nil, err
	}

	return mux, nil
}

func (s *GRPCServer) handle(name string, fn routeFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var resp interface{}
		err := s.observe(name, func() error {
			var err error
			resp, err = fn(r, params)
			return toStatus(err)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- engine routes ---

func (s *GRPCServer) httpSubmitCommand(r *http.Request, p map[string]string) (interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	return s.engine.SubmitCommand(r.Context(), &SubmitCommandRequest{Type: p["type"], Payload: body})
}

func (s *GRPCServer) httpInjectOraclePrice(r *http.Request, p map[string]string) (interface{}, error) {
	var req OraclePriceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	req.Market = p["market"]
	return s.engine.InjectOraclePrice(r.Context(), &req)
}

func (s *GRPCServer) httpSettleFunding(r *http.Request, p map[string]string) (interface{}, error) {
	return s.engine.SettleFunding(r.Context(), &MarketRequest{Market: p["market"]})
}

func (s *GRPCServer) httpListMarkets(r *http.Request, _ map[string]string) (interface{}, error) {
	return s.engine.ListMarkets(r.Context(), &ListMarketsRequest{})
}

func (s *GRPCServer) httpGetMarket(r *http.Request, p map[string]string) (interface{}, error) {
	return s.engine.GetMarket(r.Context(), &MarketRequest{Market: p["market"]})
}

func (s *GRPCServer) httpGetPosition(r *http.Request, p map[string]string) (interface{}, error) {
	return s.engine.GetPosition(r.Context(), &PositionRequest{Market: p["market"], Trader: p["trader"]})
}

func (s *GRPCServer) httpGetPoolBalances(r *http.Request, p map[string]string) (interface{}, error) {
	return s.engine.GetPoolBalances(r.Context(), &MarketRequest{Market: p["market"]})
}

func (s *GRPCServer) httpGetLiquidatorCredit(r *http.Request, p map[string]string) (interface{}, error) {
	return s.engine.GetLiquidatorCredit(r.Context(), &LiquidatorCreditRequest{Market: p["market"], Liquidator: p["liquidator"]})
}

func (s *GRPCServer) httpGetFundingHistory(r *http.Request, p map[string]string) (interface{}, error) {
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.engine.GetFundingHistory(r.Context(), &HistoryRequest{Market: p["market"], Limit: limit})
}

func (s *GRPCServer) httpGetLiquidations(r *http.Request, p map[string]string) (interface{}, error) {
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.engine.GetLiquidations(r.Context(), &HistoryRequest{Market: p["market"], Limit: limit})
}

// --- projection routes ---

func (s *GRPCServer) requireReadModel() error {
	if s.readModel == nil {
		return status.Error(codes.Unavailable, "read model not configured")
	}
	return nil
}

func (s *GRPCServer) readListMarkets(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	return s.readModel.ListMarkets(r.Context())
}

func (s *GRPCServer) readGetMarket(r *http.Request, p map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	return s.readModel.GetMarket(r.Context(), p["market"])
}

func (s *GRPCServer) readPools(r *http.Request, p map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	return s.readModel.GetPools(r.Context(), p["market"])
}

func (s *GRPCServer) readFundingHistory(r *http.Request, p map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := optionalInt64Param(r, "before_block")
	if err != nil {
		return nil, err
	}
	return s.readModel.GetFundingHistory(r.Context(), p["market"], limit, before)
}

func (s *GRPCServer) readPositions(r *http.Request, p map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	trader, err := parseUUID("trader", p["trader"])
	if err != nil {
		return nil, err
	}
	return s.readModel.GetPositions(r.Context(), trader)
}

func (s *GRPCServer) readLiquidations(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	trader := uuid.Nil
	if t := r.URL.Query().Get("trader"); t != "" {
		if trader, err = parseUUID("trader", t); err != nil {
			return nil, err
		}
	}
	return s.readModel.GetLiquidations(r.Context(), r.URL.Query().Get("market"), trader, limit)
}

func (s *GRPCServer) readBalance(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	return s.readModel.GetBalance(r.Context(), account)
}

func (s *GRPCServer) readJournal(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		return nil, status.Error(codes.InvalidArgument, "prefix is required")
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	after, err := optionalInt64Param(r, "after_sequence")
	if err != nil {
		return nil, err
	}
	return s.readModel.GetJournalHistory(r.Context(), prefix, limit, after)
}

func (s *GRPCServer) readIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireReadModel(); err != nil {
		return nil, err
	}
	return s.readModel.VerifyIntegrity(r.Context())
}

// --- helpers ---

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return n, nil
}

func optionalInt64Param(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return &n, nil
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
