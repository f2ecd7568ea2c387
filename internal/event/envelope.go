package event

import (
	"encoding/json"
	"fmt"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitMarket
	EventTypeOpenPosition
	EventTypeClosePosition
	EventTypeAddMargin
	EventTypeRemoveMargin
	EventTypeLiquidate
	EventTypePayFunding
	EventTypeFundInsurance
	EventTypeRiskParamUpdate
	EventTypeOraclePriceUpdate
)

// EventEnvelope wraps every committed command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context
	MarketID *string

	// Versioned input block (NOT wall-clock)
	Block int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, decodable with DecodePayload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// BlockNumber returns the clock reading the command was stamped with
	BlockNumber() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeInitMarket:
		return "InitMarket"
	case EventTypeOpenPosition:
		return "OpenPosition"
	case EventTypeClosePosition:
		return "ClosePosition"
	case EventTypeAddMargin:
		return "AddMargin"
	case EventTypeRemoveMargin:
		return "RemoveMargin"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypePayFunding:
		return "PayFunding"
	case EventTypeFundInsurance:
		return "FundInsurance"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(name string) (EventType, error) {
	for et := EventTypeInitMarket; et <= EventTypeOraclePriceUpdate; et++ {
		if et.String() == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// EncodePayload serializes an event for the envelope
func EncodePayload(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodePayload rebuilds an event from a persisted envelope payload
func DecodePayload(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeInitMarket:
		evt = &InitMarket{}
	case EventTypeOpenPosition:
		evt = &OpenPosition{}
	case EventTypeClosePosition:
		evt = &ClosePosition{}
	case EventTypeAddMargin:
		evt = &AddMargin{}
	case EventTypeRemoveMargin:
		evt = &RemoveMargin{}
	case EventTypeLiquidate:
		evt = &Liquidate{}
	case EventTypePayFunding:
		evt = &PayFunding{}
	case EventTypeFundInsurance:
		evt = &FundInsurance{}
	case EventTypeRiskParamUpdate:
		evt = &RiskParamUpdate{}
	case EventTypeOraclePriceUpdate:
		evt = &OraclePriceUpdate{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}
