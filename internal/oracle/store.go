package oracle

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoOraclePrice = errors.New("no oracle price for market")

// Store holds oracle observations per market. It is written by the oracle
// price subscriber and read when a funding command is stamped.
type Store struct {
	mu       sync.RWMutex
	markets  map[string]*PriceHistory
	capacity int
}

func NewStore(capacity int) *Store {
	return &Store{
		markets:  make(map[string]*PriceHistory),
		capacity: capacity,
	}
}

// Update records an oracle price for market at block.
func (s *Store) Update(market string, block, price int64) error {
	if price <= 0 {
		return fmt.Errorf("oracle price for %s must be positive, got %d", market, price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.markets[market]
	if !ok {
		h = NewPriceHistory(s.capacity)
		s.markets[market] = h
	}
	return h.Observe(block, price)
}

// TwapPrice returns the oracle TWAP for market over [now-interval, now].
func (s *Store) TwapPrice(market string, now, interval int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.markets[market]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoOraclePrice, market)
	}
	twap, err := h.Twap(now, interval)
	if errors.Is(err, ErrNoObservations) {
		return 0, fmt.Errorf("%w: %s", ErrNoOraclePrice, market)
	}
	return twap, err
}

// LatestPrice returns the most recent oracle price for market.
func (s *Store) LatestPrice(market string) (Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.markets[market]
	if !ok {
		return Observation{}, false
	}
	return h.Latest()
}
