package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with a blocking send, so a worker
// that falls behind stalls the core and no committed event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	onFlushed    func([]EventRow)
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlushed registers fn to receive every batch of events once it is
// durable. fn runs on the worker goroutine and must not block.
func (pw *PersistenceWorker) OnFlushed(fn func([]EventRow)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed; whatever is buffered is flushed before returning.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &Batch{
		Events:   make([]EventRow, 0, pw.batchSize),
		Journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drainAndFlush(batch)
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(batch)
				return nil
			}

			batch.Add(output)
			if batch.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("batch flush failed")
				}
				batch.Reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("timeout flush failed")
				}
				batch.Reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drainAndFlush picks up outputs already queued at shutdown.
func (pw *PersistenceWorker) drainAndFlush(batch *Batch) {
	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush(batch)
				return
			}
			batch.Add(output)
		default:
			pw.finalFlush(batch)
			return
		}
	}
}

func (pw *PersistenceWorker) finalFlush(batch *Batch) {
	if batch.Len() == 0 {
		return
	}
	if err := pw.flush(context.Background(), batch); err != nil {
		pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation one last attempt is made with a
// fresh context so the batch is not dropped.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *Batch) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = pw.maxBackoff
	eb.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return pw.flush(ctx, batch)
	}
	notify := func(err error, wait time.Duration) {
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Int("events", batch.Len()).
			Msg("persistence retry")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify)
	if err == nil {
		if attempts > 1 {
			pw.logger.Info().Int("retries", attempts-1).Msg("persistence flush recovered")
		}
		return nil
	}

	if ctx.Err() != nil {
		return pw.flush(context.Background(), batch)
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()

	stats, err := pw.writer.WriteBatch(ctx, batch)
	if err != nil {
		var se *StageError
		if pw.metrics != nil && errors.As(err, &se) {
			pw.metrics.PersistErrors.WithLabelValues(se.Stage).Inc()
		}
		return err
	}

	if skipped := batch.Len() - stats.Events; skipped > 0 {
		pw.logger.Info().Int("skipped", skipped).Msg("events already logged")
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.Len()))
		pw.metrics.PersistEventsWritten.Add(float64(stats.Events))
		pw.metrics.PersistJournalsWritten.Add(float64(stats.Journals))
		pw.metrics.PersistLastSequence.Set(float64(batch.Events[batch.Len()-1].Sequence))
	}
	if pw.onFlushed != nil {
		pw.onFlushed(append([]EventRow(nil), batch.Events...))
	}
	return nil
}
