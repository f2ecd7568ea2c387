package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from engine transfers
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// SetSequence realigns the generator after a snapshot restore
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateBatch turns transfers into one batch under the given sequence.
// Zero-amount transfers are dropped; a negative amount is booked in the
// opposite direction.
func (jg *JournalGenerator) GenerateBatch(
	eventRef string,
	sequence int64,
	timestamp int64,
	transfers []Transfer,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(transfers)),
	}

	for i, t := range transfers {
		from, to, amount := t.From, t.To, t.Amount
		if amount == 0 {
			continue
		}
		if amount < 0 {
			from, to, amount = to, from, -amount
		}
		if from.AssetID != to.AssetID {
			return nil, fmt.Errorf("transfer %d (%s) crosses assets: %s -> %s",
				i, t.Type, from.AccountPath(), to.AccountPath())
		}

		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  to,
			CreditAccount: from,
			AssetID:       to.AssetID,
			Amount:        amount,
			JournalType:   t.Type,
			Timestamp:     timestamp,
		})
	}

	jg.sequence = sequence + 1

	return batch, nil
}

// NextSequence returns the sequence the next batch will carry
func (jg *JournalGenerator) NextSequence() int64 {
	return jg.sequence
}
