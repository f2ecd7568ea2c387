package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVAMM/internal/event"
	fpmath "PerpVAMM/internal/math"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedCommand = errors.New("malformed command")
)

// DecimalsFunc resolves the fixed-point config of a market. Amounts on the
// wire are decimal strings in the market's precision.
type DecimalsFunc func(market string) (fpmath.DecimalConfig, error)

// ParseCommand converts a JSON command into a typed event.Event stamped
// with block. OraclePriceUpdate parses too, but never reaches the core.
func ParseCommand(eventType string, data []byte, block int64, decimals DecimalsFunc) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch eventType {
	case "InitMarket":
		evt, err = parseInitMarket(data, block)
	case "OpenPosition":
		evt, err = parseOpenPosition(data, block, decimals)
	case "ClosePosition":
		evt, err = parseClosePosition(data, block, decimals)
	case "AddMargin":
		evt, err = parseAddMargin(data, block, decimals)
	case "RemoveMargin":
		evt, err = parseRemoveMargin(data, block, decimals)
	case "Liquidate":
		evt, err = parseLiquidate(data, block)
	case "PayFunding":
		evt, err = parsePayFunding(data, block)
	case "FundInsurance":
		evt, err = parseFundInsurance(data, block, decimals)
	case "RiskParamUpdate":
		evt, err = parseRiskParamUpdate(data, block, decimals)
	case "OraclePriceUpdate":
		evt, err = parseOraclePrice(data, block, decimals)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedCommand, eventType, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Amounts and ratios are decimal strings ("300", "0.0625"); IDs are UUIDs.
// Field names use snake_case to match upstream producers.

type initMarketJSON struct {
	Market                  string `json:"market"`
	QuoteAsset              string `json:"quote_asset"`
	Decimals                int    `json:"decimals"`
	QuoteReserve            string `json:"quote_reserve"`
	BaseReserve             string `json:"base_reserve"`
	FundingPeriod           int64  `json:"funding_period"`
	InitMarginRatio         string `json:"init_margin_ratio"`
	MaintenanceMarginRatio  string `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     string `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio string `json:"partial_liquidation_ratio"`
	FeeRatio                string `json:"fee_ratio"`
	Sequence                int64  `json:"sequence"`
}

func parseInitMarket(data []byte, block int64) (*event.InitMarket, error) {
	var j initMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, errors.New("market is required")
	}
	cfg := fpmath.QuoteConfig
	if j.Decimals != 0 {
		c, err := fpmath.ConfigForPrecision(j.Decimals)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	p := amountParser{cfg: cfg}
	evt := &event.InitMarket{
		Market:                  j.Market,
		QuoteAsset:              j.QuoteAsset,
		Decimals:                j.Decimals,
		QuoteReserve:            p.required("quote_reserve", j.QuoteReserve),
		BaseReserve:             p.required("base_reserve", j.BaseReserve),
		FundingPeriod:           j.FundingPeriod,
		InitMarginRatio:         p.required("init_margin_ratio", j.InitMarginRatio),
		MaintenanceMarginRatio:  p.required("maintenance_margin_ratio", j.MaintenanceMarginRatio),
		LiquidationFeeRatio:     p.required("liquidation_fee_ratio", j.LiquidationFeeRatio),
		PartialLiquidationRatio: p.optional("partial_liquidation_ratio", j.PartialLiquidationRatio),
		FeeRatio:                p.optional("fee_ratio", j.FeeRatio),
		Sequence:                j.Sequence,
		Block:                   block,
	}
	return evt, p.err
}

type openPositionJSON struct {
	CommandID     string `json:"command_id"`
	Trader        string `json:"trader"`
	Market        string `json:"market"`
	Side          string `json:"side"` // "long" or "short"
	QuoteAmount   string `json:"quote_amount"`
	Leverage      string `json:"leverage"`
	MinBaseAmount string `json:"min_base_amount"`
	Sequence      int64  `json:"sequence"`
}

func parseOpenPosition(data []byte, block int64, decimals DecimalsFunc) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	commandID, trader, err := parseIDs(j.CommandID, j.Trader)
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return nil, err
	}

	p := amountParser{cfg: cfg}
	evt := &event.OpenPosition{
		CommandID:     commandID,
		Trader:        trader,
		Market:        j.Market,
		TradeSide:     side,
		QuoteAmount:   p.required("quote_amount", j.QuoteAmount),
		Leverage:      p.required("leverage", j.Leverage),
		MinBaseAmount: p.optional("min_base_amount", j.MinBaseAmount),
		Sequence:      j.Sequence,
		Block:         block,
	}
	return evt, p.err
}

type closePositionJSON struct {
	CommandID       string `json:"command_id"`
	Trader          string `json:"trader"`
	Market          string `json:"market"`
	QuoteAmount     string `json:"quote_amount"`
	Full            bool   `json:"full"`
	MinQuoteAmount  string `json:"min_quote_amount"`
	BaseAmountLimit string `json:"base_amount_limit"`
	Sequence        int64  `json:"sequence"`
}

func parseClosePosition(data []byte, block int64, decimals DecimalsFunc) (*event.ClosePosition, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	commandID, trader, err := parseIDs(j.CommandID, j.Trader)
	if err != nil {
		return nil, err
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return nil, err
	}

	p := amountParser{cfg: cfg}
	evt := &event.ClosePosition{
		CommandID:       commandID,
		Trader:          trader,
		Market:          j.Market,
		Full:            j.Full,
		MinQuoteAmount:  p.optional("min_quote_amount", j.MinQuoteAmount),
		BaseAmountLimit: p.optional("base_amount_limit", j.BaseAmountLimit),
		Sequence:        j.Sequence,
		Block:           block,
	}
	if j.Full {
		evt.QuoteAmount = p.optional("quote_amount", j.QuoteAmount)
	} else {
		evt.QuoteAmount = p.required("quote_amount", j.QuoteAmount)
	}
	return evt, p.err
}

type marginJSON struct {
	CommandID string `json:"command_id"`
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func parseMargin(data []byte, decimals DecimalsFunc) (marginJSON, uuid.UUID, uuid.UUID, int64, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, uuid.Nil, uuid.Nil, 0, err
	}
	commandID, trader, err := parseIDs(j.CommandID, j.Trader)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, 0, err
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, 0, err
	}
	p := amountParser{cfg: cfg}
	amount := p.required("amount", j.Amount)
	return j, commandID, trader, amount, p.err
}

func parseAddMargin(data []byte, block int64, decimals DecimalsFunc) (*event.AddMargin, error) {
	j, commandID, trader, amount, err := parseMargin(data, decimals)
	if err != nil {
		return nil, err
	}
	return &event.AddMargin{
		CommandID: commandID,
		Trader:    trader,
		Market:    j.Market,
		Amount:    amount,
		Sequence:  j.Sequence,
		Block:     block,
	}, nil
}

func parseRemoveMargin(data []byte, block int64, decimals DecimalsFunc) (*event.RemoveMargin, error) {
	j, commandID, trader, amount, err := parseMargin(data, decimals)
	if err != nil {
		return nil, err
	}
	return &event.RemoveMargin{
		CommandID: commandID,
		Trader:    trader,
		Market:    j.Market,
		Amount:    amount,
		Sequence:  j.Sequence,
		Block:     block,
	}, nil
}

type liquidateJSON struct {
	RequestID  string `json:"request_id"`
	Liquidator string `json:"liquidator"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`
	Sequence   int64  `json:"sequence"`
}

func parseLiquidate(data []byte, block int64) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	requestID, liquidator, err := parseIDs(j.RequestID, j.Liquidator)
	if err != nil {
		return nil, err
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	return &event.Liquidate{
		RequestID:  requestID,
		Liquidator: liquidator,
		Trader:     trader,
		Market:     j.Market,
		Sequence:   j.Sequence,
		Block:      block,
	}, nil
}

// PayFunding arrives without its TWAP; the dispatcher stamps it from the
// oracle store.
type payFundingJSON struct {
	Market           string `json:"market"`
	NextFundingBlock int64  `json:"next_funding_block"`
	Sequence         int64  `json:"sequence"`
}

func parsePayFunding(data []byte, block int64) (*event.PayFunding, error) {
	var j payFundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, errors.New("market is required")
	}
	return &event.PayFunding{
		Market:           j.Market,
		NextFundingBlock: j.NextFundingBlock,
		Sequence:         j.Sequence,
		Block:            block,
	}, nil
}

type fundInsuranceJSON struct {
	CommandID string `json:"command_id"`
	Market    string `json:"market"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func parseFundInsurance(data []byte, block int64, decimals DecimalsFunc) (*event.FundInsurance, error) {
	var j fundInsuranceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return nil, err
	}

	p := amountParser{cfg: cfg}
	evt := &event.FundInsurance{
		CommandID: commandID,
		Market:    j.Market,
		Amount:    p.required("amount", j.Amount),
		Sequence:  j.Sequence,
		Block:     block,
	}
	return evt, p.err
}

type riskParamUpdateJSON struct {
	Market                  string `json:"market"`
	InitMarginRatio         string `json:"init_margin_ratio"`
	MaintenanceMarginRatio  string `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     string `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio string `json:"partial_liquidation_ratio"`
	FeeRatio                string `json:"fee_ratio"`
	Version                 int64  `json:"version"`
	Sequence                int64  `json:"sequence"`
}

func parseRiskParamUpdate(data []byte, block int64, decimals DecimalsFunc) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return nil, err
	}

	p := amountParser{cfg: cfg}
	evt := &event.RiskParamUpdate{
		Market:                  j.Market,
		InitMarginRatio:         p.required("init_margin_ratio", j.InitMarginRatio),
		MaintenanceMarginRatio:  p.required("maintenance_margin_ratio", j.MaintenanceMarginRatio),
		LiquidationFeeRatio:     p.required("liquidation_fee_ratio", j.LiquidationFeeRatio),
		PartialLiquidationRatio: p.optional("partial_liquidation_ratio", j.PartialLiquidationRatio),
		FeeRatio:                p.optional("fee_ratio", j.FeeRatio),
		Version:                 j.Version,
		Sequence:                j.Sequence,
		Block:                   block,
	}
	return evt, p.err
}

type oraclePriceJSON struct {
	Market        string `json:"market"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
}

func parseOraclePrice(data []byte, block int64, decimals DecimalsFunc) (*event.OraclePriceUpdate, error) {
	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	cfg, err := resolve(decimals, j.Market)
	if err != nil {
		return nil, err
	}

	p := amountParser{cfg: cfg}
	evt := &event.OraclePriceUpdate{
		Market:        j.Market,
		Price:         p.required("price", j.Price),
		PriceSequence: j.PriceSequence,
		Block:         block,
	}
	return evt, p.err
}

// --- helpers ---

// amountParser keeps the first error so a payload parses in one pass
type amountParser struct {
	cfg fpmath.DecimalConfig
	err error
}

func (p *amountParser) required(field, s string) int64 {
	if p.err != nil {
		return 0
	}
	if s == "" {
		p.err = fmt.Errorf("%s is required", field)
		return 0
	}
	v, err := p.cfg.Parse(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

func (p *amountParser) optional(field, s string) int64 {
	if s == "" {
		return 0
	}
	return p.required(field, s)
}

func parseIDs(first, second string) (uuid.UUID, uuid.UUID, error) {
	a, err := uuid.Parse(first)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse id %q: %w", first, err)
	}
	b, err := uuid.Parse(second)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse id %q: %w", second, err)
	}
	return a, b, nil
}

func resolve(decimals DecimalsFunc, market string) (fpmath.DecimalConfig, error) {
	if market == "" {
		return fpmath.DecimalConfig{}, errors.New("market is required")
	}
	if decimals == nil {
		return fpmath.QuoteConfig, nil
	}
	return decimals(market)
}
