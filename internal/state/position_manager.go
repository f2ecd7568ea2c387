package state

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// PositionManager stores open positions. Absent key = flat; a position whose
// size reaches zero is removed, never kept as a zero-valued record.
type PositionManager struct {
	positions map[PositionKey]*Position
}

type PositionKey struct {
	Trader   uuid.UUID
	MarketID string
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
	}
}

// GetPosition returns a copy of the stored position, or false when flat.
func (pm *PositionManager) GetPosition(trader uuid.UUID, marketID string) (*Position, bool) {
	pos, ok := pm.positions[PositionKey{Trader: trader, MarketID: marketID}]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// SetPosition stores pos, bumping its version. A flat pos is deleted.
func (pm *PositionManager) SetPosition(pos *Position) {
	key := PositionKey{Trader: pos.Trader, MarketID: pos.MarketID}
	if pos.IsFlat() {
		delete(pm.positions, key)
		return
	}

	stored := pos.Clone()
	if prev, ok := pm.positions[key]; ok {
		stored.Version = prev.Version + 1
	} else if stored.Version == 0 {
		stored.Version = 1
	}
	pm.positions[key] = stored
}

// RestorePosition stores pos as-is (snapshot restore).
func (pm *PositionManager) RestorePosition(pos *Position) {
	if pos.IsFlat() {
		return
	}
	pm.positions[PositionKey{Trader: pos.Trader, MarketID: pos.MarketID}] = pos.Clone()
}

// DeletePosition removes a position.
func (pm *PositionManager) DeletePosition(trader uuid.UUID, marketID string) {
	delete(pm.positions, PositionKey{Trader: trader, MarketID: marketID})
}

// GetAllPositions returns copies ordered by market then trader.
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return bytes.Compare(result[i].Trader[:], result[j].Trader[:]) < 0
	})
	return result
}

// GetMarketPositions returns copies of a market's positions.
func (pm *PositionManager) GetMarketPositions(marketID string) []*Position {
	all := pm.GetAllPositions()
	result := all[:0]
	for _, pos := range all {
		if pos.MarketID == marketID {
			result = append(result, pos)
		}
	}
	return result
}

// TotalSize sums the signed sizes of a market's positions.
func (pm *PositionManager) TotalSize(marketID string) int64 {
	var total int64
	for key, pos := range pm.positions {
		if key.MarketID == marketID {
			total += pos.Size
		}
	}
	return total
}

// Count returns the number of open positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}
