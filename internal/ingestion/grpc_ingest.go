package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
)

// GRPCIngestService serves command submission from the API. NATS is the
// high-throughput surface; this one is for clients that need the outcome
// synchronously and for admin injection.
type GRPCIngestService struct {
	dispatcher *Dispatcher
}

func NewGRPCIngestService(dispatcher *Dispatcher) *GRPCIngestService {
	return &GRPCIngestService{dispatcher: dispatcher}
}

// Submit applies one JSON command and returns its outcome
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload json.RawMessage) (*core.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.dispatcher.Submit(eventType, payload)
}

// InjectOraclePrice records an oracle price at the current block.
// price is a decimal string in the market's precision.
func (s *GRPCIngestService) InjectOraclePrice(ctx context.Context, marketID, price string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(oraclePriceJSON{Market: marketID, Price: price})
	if err != nil {
		return fmt.Errorf("marshal price: %w", err)
	}
	_, err = s.dispatcher.Submit(event.EventTypeOraclePriceUpdate.String(), data)
	return err
}

// SettleFunding settles the current period of a market now, provided it
// is due.
func (s *GRPCIngestService) SettleFunding(ctx context.Context, marketID string) (*core.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.dispatcher.SettleFunding(marketID, 0)
}
