package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/query"
)

const (
	market = "ETH-PERP"
	trader = "00000000-0000-0000-0000-00000000000a"
)

func newTestServer(t *testing.T) *GRPCServer {
	t.Helper()
	c := core.NewDeterministicCore(0, nil, nil, nil, nil, zerolog.Nop())
	block := int64(0)
	d := ingestion.NewDispatcher(c, oracle.NewStore(16), func() int64 { return block }, nil, zerolog.Nop())

	return NewGRPCServer("", "", &ServerDeps{
		Engine:  c,
		Ingest:  ingestion.NewGRPCIngestService(d),
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
		Logger:  zerolog.Nop(),
	})
}

func dial(t *testing.T, s *GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func initPayload() json.RawMessage {
	return json.RawMessage(`{
		"market": "ETH-PERP", "quote_asset": "USDT", "decimals": 6,
		"quote_reserve": "1000", "base_reserve": "100", "funding_period": 3600,
		"init_margin_ratio": "0.1", "maintenance_margin_ratio": "0.0625",
		"liquidation_fee_ratio": "0.0125"
	}`)
}

func openPayload(commandID, leverage string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"command_id": %q, "trader": %q, "market": "ETH-PERP",
		"side": "long", "quote_amount": "300", "leverage": %q
	}`, commandID, trader, leverage))
}

func TestGRPC_CommandsAndQueries(t *testing.T) {
	client := NewEngineClient(dial(t, newTestServer(t)))
	ctx := context.Background()

	_, err := client.SubmitCommand(ctx, &SubmitCommandRequest{Type: "InitMarket", Payload: initPayload()})
	require.NoError(t, err)

	resp, err := client.SubmitCommand(ctx, &SubmitCommandRequest{
		Type:    "OpenPosition",
		Payload: openPayload("11111111-1111-1111-1111-111111111111", "2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "open", resp.Outcome.Kind)
	assert.Len(t, resp.StateHash, 64)

	pos, err := client.GetPosition(ctx, &PositionRequest{Market: market, Trader: trader})
	require.NoError(t, err)
	assert.Equal(t, int64(37_500_000), pos.Position.Size)
	assert.Equal(t, "37.5", pos.Display.Size)
	assert.Equal(t, "300", pos.Display.Margin)
	assert.Equal(t, "0.5", pos.Display.MarginRatio)

	pools, err := client.GetPoolBalances(ctx, &MarketRequest{Market: market})
	require.NoError(t, err)
	assert.Equal(t, "300", pools.ClearingHouse)

	markets, err := client.ListMarkets(ctx, &ListMarketsRequest{})
	require.NoError(t, err)
	require.Len(t, markets.Markets, 1)
	assert.Equal(t, 1, markets.Markets[0].Market.PositionCount)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	client := NewEngineClient(dial(t, newTestServer(t)))
	ctx := context.Background()

	_, err := client.SubmitCommand(ctx, &SubmitCommandRequest{Type: "InitMarket", Payload: initPayload()})
	require.NoError(t, err)
	open := &SubmitCommandRequest{Type: "OpenPosition", Payload: openPayload("22222222-2222-2222-2222-222222222222", "2")}
	_, err = client.SubmitCommand(ctx, open)
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"unknown market", func() error {
			_, err := client.GetMarket(ctx, &MarketRequest{Market: "BTC-PERP"})
			return err
		}, codes.NotFound},
		{"duplicate command", func() error {
			_, err := client.SubmitCommand(ctx, open)
			return err
		}, codes.AlreadyExists},
		{"over leverage", func() error {
			_, err := client.SubmitCommand(ctx, &SubmitCommandRequest{
				Type: "OpenPosition", Payload: openPayload("33333333-3333-3333-3333-333333333333", "20"),
			})
			return err
		}, codes.FailedPrecondition},
		{"malformed payload", func() error {
			_, err := client.SubmitCommand(ctx, &SubmitCommandRequest{Type: "OpenPosition", Payload: json.RawMessage(`{}`)})
			return err
		}, codes.InvalidArgument},
		{"bad trader id", func() error {
			_, err := client.GetPosition(ctx, &PositionRequest{Market: market, Trader: "x"})
			return err
		}, codes.InvalidArgument},
		{"no position", func() error {
			_, err := client.GetPosition(ctx, &PositionRequest{Market: market, Trader: "00000000-0000-0000-0000-00000000000b"})
			return err
		}, codes.NotFound},
		{"funding without oracle", func() error {
			_, err := client.SettleFunding(ctx, &MarketRequest{Market: market})
			return err
		}, codes.FailedPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(tt.call()))
		})
	}
}

func TestGRPC_Health(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)
	hc := healthpb.NewHealthClient(conn)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.SetServing(true)
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHTTPGateway_Routes(t *testing.T) {
	handler, err := newTestServer(t).HTTPHandler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	post := func(path, body string) *http.Response {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}
	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}

	resp := post("/v1/commands/InitMarket", string(initPayload()))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get("/v1/markets/ETH-PERP")
	var m MarketResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	resp.Body.Close()
	assert.Equal(t, "10", m.SpotPrice)
	assert.Equal(t, int64(3_600), m.Market.AMM.NextFundingBlock)

	resp = post("/v1/markets/ETH-PERP/oracle", `{"price": "10.25"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get("/v1/markets/BTC-PERP")
	var e map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", e["code"])

	resp = get("/v1/markets/ETH-PERP/funding?limit=abc")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get("/v1/read/markets")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = get("/healthz")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{core.ErrUnknownMarket, codes.NotFound},
		{fmt.Errorf("%w: %w", ingestion.ErrMalformedCommand, core.ErrUnknownMarket), codes.NotFound},
		{query.ErrNotFound, codes.NotFound},
		{core.ErrMarketExists, codes.AlreadyExists},
		{core.ErrInvalidLeverage, codes.InvalidArgument},
		{core.ErrSequenceGap, codes.FailedPrecondition},
		{core.ErrNotLiquidatable, codes.FailedPrecondition},
		{core.ErrArithmeticOverflow, codes.OutOfRange},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, codeOf(tt.err), tt.err.Error())
	}
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(status.Error(codes.Unavailable, "x"))))
}
