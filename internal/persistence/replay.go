package persistence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/observability"
)

// Replayer re-applies logged commands. *core.DeterministicCore satisfies it.
type Replayer interface {
	ReplayEvent(evt event.Event, expectedHash [32]byte) (*core.Outcome, error)
}

// EventSource pages through the event log
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// ReplayFrom feeds every logged event from fromSequence on into r, page by
// page, and returns how many were applied. It stops at the first hash
// mismatch.
func ReplayFrom(
	ctx context.Context,
	src EventSource,
	r Replayer,
	fromSequence int64,
	pageSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	var replayed int64
	next := fromSequence

	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		rows, err := src.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return replayed, err
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			if row.Sequence != next {
				return replayed, fmt.Errorf("event log gap: expected sequence %d, found %d", next, row.Sequence)
			}
			if err := replayRow(r, row); err != nil {
				return replayed, err
			}
			replayed++
			next++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}

		logger.Info().Int64("through", next-1).Int64("replayed", replayed).Msg("replay progress")
	}
}

func replayRow(r Replayer, row EventRow) error {
	et, err := event.ParseEventType(row.EventType)
	if err != nil {
		return fmt.Errorf("event %d: %w", row.Sequence, err)
	}
	evt, err := event.DecodePayload(et, row.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", row.Sequence, err)
	}
	hash, err := row.Hash()
	if err != nil {
		return err
	}
	if _, err := r.ReplayEvent(evt, hash); err != nil {
		return fmt.Errorf("replay event %d: %w", row.Sequence, err)
	}
	return nil
}
