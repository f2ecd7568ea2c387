package event_test

import (
	"testing"

	"github.com/google/uuid"

	"PerpVAMM/internal/event"
)

func TestParseEventType_Names(t *testing.T) {
	for et := event.EventTypeInitMarket; et <= event.EventTypeOraclePriceUpdate; et++ {
		parsed, err := event.ParseEventType(et.String())
		if err != nil {
			t.Fatalf("ParseEventType(%s): %v", et, err)
		}
		if parsed != et {
			t.Errorf("expected %d, got %d", et, parsed)
		}
	}

	if _, err := event.ParseEventType("Deposit"); err == nil {
		t.Error("expected error for unknown name")
	}
}

func TestDecodePayload_Liquidate(t *testing.T) {
	in := &event.Liquidate{
		RequestID:  uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Liquidator: uuid.MustParse("00000000-0000-0000-0000-0000000000ff"),
		Trader:     uuid.MustParse("00000000-0000-0000-0000-00000000000a"),
		Market:     "ETH-PERP",
		Sequence:   4,
		Block:      1_700_000_000,
	}

	payload, err := event.EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	out, err := event.DecodePayload(event.EventTypeLiquidate, payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}

	got, ok := out.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", out)
	}
	if *got != *in {
		t.Errorf("decoded %+v, want %+v", got, in)
	}
	if got.IdempotencyKey() != in.RequestID.String() {
		t.Errorf("idempotency key changed through the log")
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	if _, err := event.DecodePayload(event.EventTypeUnknown, []byte(`{}`)); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestIdempotencyKeys(t *testing.T) {
	cases := []struct {
		evt  event.Event
		want string
	}{
		{&event.InitMarket{Market: "BTC-PERP"}, "init:BTC-PERP"},
		{&event.PayFunding{Market: "BTC-PERP", NextFundingBlock: 3600}, "BTC-PERP:funding:3600"},
		{&event.RiskParamUpdate{Market: "BTC-PERP", Version: 2}, "risk_param:BTC-PERP:2"},
		{&event.OraclePriceUpdate{Market: "BTC-PERP", PriceSequence: 9}, "BTC-PERP:price:9"},
	}

	for _, tc := range cases {
		if got := tc.evt.IdempotencyKey(); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.evt.EventType(), tc.want, got)
		}
	}
}
