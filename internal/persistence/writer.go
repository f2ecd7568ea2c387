package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ledger"
)

// EventLogWriter writes events and journals to Postgres inside a caller's
// transaction. Events use a multi-row INSERT; journals go through COPY.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64   `db:"sequence"`
	EventType      string  `db:"event_type"`
	IdempotencyKey string  `db:"idempotency_key"`
	MarketID       *string `db:"market_id"`
	Block          int64   `db:"block"`
	SourceSequence int64   `db:"source_sequence"`
	Payload        []byte  `db:"payload"` // JSON-encoded command
	StateHash      []byte  `db:"state_hash"`
	PrevHash       []byte  `db:"prev_hash"`
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Block         int64
}

// Batch is one flush unit: the events and their journals
type Batch struct {
	Events   []EventRow
	Journals []JournalRow
}

func (b *Batch) Add(output core.CoreOutput) {
	b.Events = append(b.Events, EventRowFromOutput(output))
	b.Journals = append(b.Journals, JournalRowsFromBatch(output.Batch)...)
}

func (b *Batch) Len() int { return len(b.Events) }

func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.Journals = b.Journals[:0]
}

// EventRowFromOutput flattens a committed envelope for storage
func EventRowFromOutput(output core.CoreOutput) EventRow {
	env := output.Envelope
	stateHash := env.StateHash
	prevHash := env.PrevHash
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Block:          env.Block,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		StateHash:      stateHash[:],
		PrevHash:       prevHash[:],
	}
}

// JournalRowsFromBatch flattens a balanced batch for storage
func JournalRowsFromBatch(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Block:         j.Timestamp,
		})
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes events and journals in one transaction. Events that are
// already logged are skipped together with their journals, so a batch whose
// commit acknowledgement was lost can be retried.
func (w *EventLogWriter) WriteBatch(ctx context.Context, batch *Batch) (*WriteStats, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StageError{Stage: "tx_begin", Err: err}
	}
	defer tx.Rollback()

	inserted, err := w.WriteEventBatch(ctx, tx, batch.Events)
	if err != nil {
		return nil, &StageError{Stage: "write_events", Err: err}
	}

	journals := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		if inserted[j.Sequence] {
			journals = append(journals, j)
		}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return nil, &StageError{Stage: "write_journals", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StageError{Stage: "tx_commit", Err: err}
	}
	return &WriteStats{Events: len(inserted), Journals: len(journals)}, nil
}

// WriteStats counts the rows a batch actually added
type WriteStats struct {
	Events   int
	Journals int
}

// StageError tags a write failure with the step that failed
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// WriteEventBatch inserts events and returns the sequences that were new.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) (map[int64]bool, error) {
	inserted := make(map[int64]bool, len(events))
	if len(events) == 0 {
		return inserted, nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, block, source_sequence, payload, state_hash, prev_hash)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		base := i * cols
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, e.Block,
			e.SourceSequence, string(e.Payload), e.StateHash, e.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING RETURNING sequence"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		inserted[seq] = true
	}
	return inserted, rows.Err()
}

// WriteJournalBatch streams journal entries into event_log.journal with COPY.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("event_log", "journal",
		"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
		"credit_account", "asset_id", "amount", "journal_type", "block",
	))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, int32(j.AssetID), j.Amount, j.JournalType, j.Block,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy journal %s: %w", j.JournalID, err)
		}
	}

	// The empty Exec flushes the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	return stmt.Close()
}
