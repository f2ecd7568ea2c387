package oracle

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpVAMM/internal/math"
)

var (
	ErrNoObservations    = errors.New("no price observations")
	ErrStaleObservation  = errors.New("observation older than latest")
	ErrInvalidTwapWindow = errors.New("twap interval must be positive")
)

// Observation is a price in force from Block until the next observation.
type Observation struct {
	Block int64 `json:"block"`
	Price int64 `json:"price"`
}

// PriceHistory keeps a bounded, block-ordered series of prices and answers
// time-weighted average queries over it. Not thread-safe.
type PriceHistory struct {
	observations []Observation
	capacity     int
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity < 2 {
		capacity = 2
	}
	return &PriceHistory{
		observations: make([]Observation, 0, capacity),
		capacity:     capacity,
	}
}

// Observe records price at block. A second observation in the same block
// replaces the first.
func (h *PriceHistory) Observe(block, price int64) error {
	if n := len(h.observations); n > 0 {
		last := h.observations[n-1]
		if block < last.Block {
			return fmt.Errorf("%w: block %d < %d", ErrStaleObservation, block, last.Block)
		}
		if block == last.Block {
			h.observations[n-1].Price = price
			return nil
		}
	}

	if len(h.observations) == h.capacity {
		copy(h.observations, h.observations[1:])
		h.observations = h.observations[:len(h.observations)-1]
	}
	h.observations = append(h.observations, Observation{Block: block, Price: price})
	return nil
}

// Latest returns the most recent observation.
func (h *PriceHistory) Latest() (Observation, bool) {
	if len(h.observations) == 0 {
		return Observation{}, false
	}
	return h.observations[len(h.observations)-1], true
}

// Twap returns the time-weighted average price over [now-interval, now].
// Each observation holds until the next one. When the retained history is
// shorter than the window only the covered part is averaged; if nothing is
// covered yet (now equals the first observation) the spot price is returned.
func (h *PriceHistory) Twap(now, interval int64) (int64, error) {
	if interval <= 0 {
		return 0, ErrInvalidTwapWindow
	}

	// Only observations at or before now count
	end := len(h.observations)
	for end > 0 && h.observations[end-1].Block > now {
		end--
	}
	if end == 0 {
		return 0, ErrNoObservations
	}
	obs := h.observations[:end]

	start := now - interval
	weighted := new(big.Int)
	term := new(big.Int)
	var totalWeight int64

	for i := len(obs) - 1; i >= 0; i-- {
		segEnd := now
		if i+1 < len(obs) {
			segEnd = obs[i+1].Block
		}
		if segEnd <= start {
			break
		}

		segStart := obs[i].Block
		if segStart < start {
			segStart = start
		}
		weight := segEnd - segStart
		if weight <= 0 {
			continue
		}

		term.SetInt64(obs[i].Price)
		term.Mul(term, big.NewInt(weight))
		weighted.Add(weighted, term)
		totalWeight += weight
	}

	if totalWeight == 0 {
		return obs[len(obs)-1].Price, nil
	}
	return fpmath.DivideInt128(weighted, totalWeight, fpmath.RoundHalfAwayFromZero), nil
}

// Observations returns a copy of the retained series.
func (h *PriceHistory) Observations() []Observation {
	out := make([]Observation, len(h.observations))
	copy(out, h.observations)
	return out
}

// Restore replaces the series (used on snapshot restore).
func (h *PriceHistory) Restore(observations []Observation) {
	h.observations = h.observations[:0]
	for _, o := range observations {
		_ = h.Observe(o.Block, o.Price)
	}
}
