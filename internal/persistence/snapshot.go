package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ledger"
)

// snapshotFormatVersion is bumped whenever SnapshotData changes shape
const snapshotFormatVersion = 1

// ErrSnapshotHashMismatch means a snapshot disagrees with the event log
var ErrSnapshotHashMismatch = errors.New("snapshot state hash does not match event log")

// SnapshotManager stores state snapshots and reads the event log back for
// recovery.
type SnapshotManager struct {
	db *sqlx.DB
}

// SnapshotData is the storage form of core.SnapshotState. Balances are
// keyed by account path.
type SnapshotData struct {
	Sequence        int64                           `json:"sequence"`
	StateHash       string                          `json:"state_hash"` // hex
	Balances        map[string]int64                `json:"balances"`
	Markets         map[string]*core.MarketSnapshot `json:"markets"`
	SequenceState   map[string]int64                `json:"sequence_state"`
	IdempotencyKeys []string                        `json:"idempotency_keys"`
	CreatedAt       time.Time                       `json:"created_at"`
}

// SnapshotDataFrom converts the core's state into its storage form
func SnapshotDataFrom(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(state.Balances))
	for key, balance := range state.Balances {
		balances[key.AccountPath()] = balance
	}
	return &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       hex.EncodeToString(state.StateHash[:]),
		Balances:        balances,
		Markets:         state.Markets,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// CoreState converts a stored snapshot back into the core's form
func (d *SnapshotData) CoreState() (*core.SnapshotState, error) {
	hash, err := decodeHash(d.StateHash)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
	}

	balances := make(map[ledger.AccountKey]int64, len(d.Balances))
	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = balance
	}

	return &core.SnapshotState{
		Sequence:        d.Sequence,
		StateHash:       hash,
		Balances:        balances,
		Markets:         d.Markets,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}, nil
}

func decodeHash(s string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return hash, fmt.Errorf("decode state hash: %w", err)
	}
	if len(raw) != len(hash) {
		return hash, fmt.Errorf("state hash has %d bytes", len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}

func NewSnapshotManager(db *sqlx.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := decodeHash(snap.StateHash)
	if err != nil {
		return 0, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			    size_bytes = EXCLUDED.size_bytes, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), hash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// VerifySnapshot checks the snapshot's hash against the logged event at
// the same sequence and marks it verified when they agree. The event must
// already be persisted.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) error {
	var row struct {
		SnapshotHash []byte `db:"snapshot_hash"`
		EventHash    []byte `db:"event_hash"`
	}
	err := sm.db.GetContext(ctx, &row, `
		SELECT s.state_hash AS snapshot_hash, e.state_hash AS event_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.sequence = $1
	`, sequence)
	if err != nil {
		return fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	if !bytes.Equal(row.SnapshotHash, row.EventHash) {
		return fmt.Errorf("%w at sequence %d", ErrSnapshotHashMismatch, sequence)
	}

	_, err = sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.GetContext(ctx, &data, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	var events []EventRow
	err := sm.db.SelectContext(ctx, &events, `
		SELECT sequence, event_type, idempotency_key, market_id, block,
		       source_sequence, payload, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events from %d: %w", fromSequence, err)
	}
	return events, nil
}

// GetLatestSequence returns the highest logged sequence, or -1 for an
// empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.GetContext(ctx, &seq, `SELECT MAX(sequence) FROM event_log.events`); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Hash returns the logged state hash of an event row
func (e EventRow) Hash() ([32]byte, error) {
	var hash [32]byte
	if len(e.StateHash) != len(hash) {
		return hash, fmt.Errorf("event %d: state hash has %d bytes", e.Sequence, len(e.StateHash))
	}
	copy(hash[:], e.StateHash)
	return hash, nil
}
