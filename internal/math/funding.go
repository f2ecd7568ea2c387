// internal/math/funding.go
package math

// OneDay is the funding reference period in clock units (seconds).
const OneDay int64 = 86_400

// ComputePremiumFraction returns (ammTwap - oracleTwap) * fundingPeriod / ONE_DAY.
// Both prices and the result use the same fixed-point scale.
func ComputePremiumFraction(c DecimalConfig, ammTwap, oracleTwap, fundingPeriod int64) int64 {
	premium := c.Sub(ammTwap, oracleTwap)
	return c.MulDiv(premium, fundingPeriod, OneDay)
}

// ComputeFundingPayment calculates the funding owed by a position since its
// checkpoint. Positive = position pays (subtracted from margin).
func ComputeFundingPayment(
	c DecimalConfig,
	cumulativePremiumFraction int64,
	checkpoint int64,
	positionSize int64, // signed: long > 0, short < 0
) int64 {
	if positionSize == 0 {
		return 0
	}
	return c.Mul(c.Sub(cumulativePremiumFraction, checkpoint), positionSize)
}

// ComputeAMMFundingProfit is the AMM's side of a settlement: positive means the
// positions collectively pay and the insurance fund gains.
func ComputeAMMFundingProfit(c DecimalConfig, premiumFraction, totalPositionSize int64) int64 {
	return c.Mul(premiumFraction, totalPositionSize)
}
