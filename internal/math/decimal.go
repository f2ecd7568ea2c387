package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Format renders a raw fixed-point value as a decimal string ("29.892387").
func (c DecimalConfig) Format(raw int64) string {
	return decimal.New(raw, -int32(c.DecimalPrecision)).String()
}

// Parse converts a decimal string into a raw fixed-point value. Inputs with
// more fractional digits than the config carries are rejected rather than
// rounded, so wire amounts are never silently altered.
func (c DecimalConfig) Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}

	shifted := d.Shift(int32(c.DecimalPrecision))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("parse %q: more than %d decimal places", s, c.DecimalPrecision)
	}

	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return bi.Int64(), nil
}

// MustParse is Parse for constants and tests.
func (c DecimalConfig) MustParse(s string) int64 {
	v, err := c.Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ConfigForPrecision returns the config for a number of decimal places.
func ConfigForPrecision(decimals int) (DecimalConfig, error) {
	if decimals < 0 || decimals > 18 {
		return DecimalConfig{}, fmt.Errorf("unsupported decimal precision %d", decimals)
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return DecimalConfig{DecimalPrecision: decimals, Scale: scale}, nil
}
