package oracle_test

import (
	"testing"

	"PerpVAMM/internal/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceHistory_TwapWeightsByDuration(t *testing.T) {
	h := oracle.NewPriceHistory(16)
	require.NoError(t, h.Observe(0, 10_000_000))
	require.NoError(t, h.Observe(50, 20_000_000))

	twap, err := h.Twap(100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), twap)

	// Window [40, 100]: 10 blocks at 10, 50 blocks at 20
	twap, err = h.Twap(100, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(18_333_333), twap)
}

func TestPriceHistory_ShortHistoryAveragesCoveredPart(t *testing.T) {
	h := oracle.NewPriceHistory(16)
	require.NoError(t, h.Observe(100, 10_000_000))
	require.NoError(t, h.Observe(150, 30_000_000))

	twap, err := h.Twap(200, 86_400)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), twap)
}

func TestPriceHistory_SpotWhenNoElapsedTime(t *testing.T) {
	h := oracle.NewPriceHistory(16)
	require.NoError(t, h.Observe(100, 10_000_000))

	twap, err := h.Twap(100, 3_600)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), twap)
}

func TestPriceHistory_IgnoresFutureObservations(t *testing.T) {
	h := oracle.NewPriceHistory(16)
	require.NoError(t, h.Observe(0, 10_000_000))
	require.NoError(t, h.Observe(500, 99_000_000))

	twap, err := h.Twap(100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), twap)
}

func TestPriceHistory_Errors(t *testing.T) {
	h := oracle.NewPriceHistory(16)

	_, err := h.Twap(10, 10)
	assert.ErrorIs(t, err, oracle.ErrNoObservations)

	_, err = h.Twap(10, 0)
	assert.ErrorIs(t, err, oracle.ErrInvalidTwapWindow)

	require.NoError(t, h.Observe(10, 1))
	assert.ErrorIs(t, h.Observe(9, 1), oracle.ErrStaleObservation)
}

func TestPriceHistory_SameBlockReplacesAndCapacityEvicts(t *testing.T) {
	h := oracle.NewPriceHistory(3)
	require.NoError(t, h.Observe(1, 1))
	require.NoError(t, h.Observe(1, 2))
	require.NoError(t, h.Observe(2, 3))
	require.NoError(t, h.Observe(3, 4))
	require.NoError(t, h.Observe(4, 5))

	obs := h.Observations()
	require.Len(t, obs, 3)
	assert.Equal(t, oracle.Observation{Block: 2, Price: 3}, obs[0])

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Price)
}

func TestStore_TwapPrice(t *testing.T) {
	s := oracle.NewStore(64)

	_, err := s.TwapPrice("ETH-USDC", 10, 10)
	assert.ErrorIs(t, err, oracle.ErrNoOraclePrice)

	assert.Error(t, s.Update("ETH-USDC", 0, 0))
	require.NoError(t, s.Update("ETH-USDC", 0, 10_000_000))
	require.NoError(t, s.Update("ETH-USDC", 10, 12_000_000))

	twap, err := s.TwapPrice("ETH-USDC", 20, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(11_000_000), twap)
}
