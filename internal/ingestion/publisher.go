package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"
)

// EventSubjectPrefix is followed by {event_type}[.{market_id}]
const EventSubjectPrefix = "vamm.events."

// jsPublisher is the subset of jetstream.JetStream the publisher uses
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Events are offered only after persistence confirmed them, so
// a subscriber never sees an event the log could lose.
type OutboundPublisher struct {
	js        jsPublisher
	inputChan chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a persisted event ready for outbound publishing
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Block          int64           `json:"block"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PublishableFromRow converts a persisted event row
func PublishableFromRow(row persistence.EventRow, at time.Time) PublishableEvent {
	return PublishableEvent{
		Sequence:       row.Sequence,
		EventType:      row.EventType,
		IdempotencyKey: row.IdempotencyKey,
		MarketID:       row.MarketID,
		Block:          row.Block,
		Payload:        json.RawMessage(row.Payload),
		StateHash:      hex.EncodeToString(row.StateHash),
		Timestamp:      at,
	}
}

func NewOutboundPublisher(js jsPublisher, bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, bufferSize),
		metrics:   metrics,
		logger:    logger,
	}
}

// Offer queues persisted rows without blocking; a full buffer drops.
// Downstream consumers can fill gaps from the event log.
func (op *OutboundPublisher) Offer(rows []persistence.EventRow) {
	now := time.Now().UTC()
	for _, row := range rows {
		select {
		case op.inputChan <- PublishableFromRow(row, now):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(evt), data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EventSubject builds vamm.events.{event_type}.{market_id}
func EventSubject(evt PublishableEvent) string {
	subject := EventSubjectPrefix + evt.EventType
	if evt.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.MarketID)
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "VAMM_EVENTS",
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "VAMM_EVENTS").Msg("ensured outbound stream")
	return nil
}
