package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want OrderStatus
	}{
		{"TRADED", StatusExecuted},
		{"PARTIALLY_FILLED", StatusPartial},
		{"PART_TRADED", StatusPartial},
		{"OPEN", StatusOpen},
		{"PENDING", StatusPending},
		{"CANCELLED", StatusCancelled},
		{"SOMETHING_NEW", OrderStatus("SOMETHING_NEW")},
	}

	for _, tt := range tests {
		if got := NormalizeStatus(tt.raw); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{StatusExecuted, StatusCancelled, StatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = false, want true", s)
		}
	}

	open := []OrderStatus{StatusPending, StatusTransit, StatusOpen, StatusPartial}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = true, want false", s)
		}
	}
}

func TestLegTypeSibling(t *testing.T) {
	t.Parallel()

	if got := LegTarget.Sibling(); got != LegSL {
		t.Errorf("LegTarget.Sibling() = %q, want %q", got, LegSL)
	}
	if got := LegSL.Sibling(); got != LegTarget {
		t.Errorf("LegSL.Sibling() = %q, want %q", got, LegTarget)
	}
	if got := LegEntry.Sibling(); got != "" {
		t.Errorf("LegEntry.Sibling() = %q, want empty", got)
	}
}

func TestLegTypeWireRoundTrip(t *testing.T) {
	t.Parallel()

	for _, lt := range []LegType{LegEntry, LegTarget, LegSL} {
		back, ok := LegTypeFromWire(lt.WireLegName())
		if !ok || back != lt {
			t.Errorf("LegTypeFromWire(%q) = %q, %v; want %q, true", lt.WireLegName(), back, ok, lt)
		}
	}
	if _, ok := LegTypeFromWire("BOGUS_LEG"); ok {
		t.Error("LegTypeFromWire accepted unknown leg name")
	}
}

func TestParseBrokerTime(t *testing.T) {
	t.Parallel()

	got, ok := ParseBrokerTime("2025-03-14 09:15:00")
	if !ok {
		t.Fatal("ParseBrokerTime returned ok=false for valid input")
	}
	// 09:15 IST = 03:45 UTC
	want := time.Date(2025, 3, 14, 3, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseBrokerTime = %v, want %v", got, want)
	}

	if _, ok := ParseBrokerTime(""); ok {
		t.Error("ParseBrokerTime(\"\") should not be ok")
	}
	if _, ok := ParseBrokerTime("14/03/2025"); ok {
		t.Error("ParseBrokerTime should reject malformed input")
	}
}

func TestFormatBrokerTimeRoundTrip(t *testing.T) {
	t.Parallel()

	orig := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	back, ok := ParseBrokerTime(FormatBrokerTime(orig))
	if !ok || !back.Equal(orig) {
		t.Errorf("round trip = %v, %v; want %v, true", back, ok, orig)
	}
}

func TestSliceResponseUnmarshalObject(t *testing.T) {
	t.Parallel()

	var sr SliceResponse
	if err := json.Unmarshal([]byte(`{"orderId":"112111182198","orderStatus":"TRANSIT"}`), &sr); err != nil {
		t.Fatalf("unmarshal object: %v", err)
	}
	if len(sr) != 1 || sr[0].OrderID != "112111182198" {
		t.Errorf("got %+v, want single response with id 112111182198", sr)
	}
}

func TestSliceResponseUnmarshalArray(t *testing.T) {
	t.Parallel()

	payload := `[{"orderId":"1","orderStatus":"TRANSIT"},{"orderId":"2","orderStatus":"TRANSIT"}]`
	var sr SliceResponse
	if err := json.Unmarshal([]byte(payload), &sr); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(sr) != 2 || sr[1].OrderID != "2" {
		t.Errorf("got %+v, want two responses", sr)
	}
}

func TestInstrumentKindHelpers(t *testing.T) {
	t.Parallel()

	opt := Instrument{InstrumentType: "OPTIDX"}
	if !opt.IsOption() || opt.IsFuture() {
		t.Error("OPTIDX should be option, not future")
	}
	fut := Instrument{InstrumentType: "FUTSTK"}
	if !fut.IsFuture() || fut.IsOption() {
		t.Error("FUTSTK should be future, not option")
	}
	eq := Instrument{InstrumentType: "EQUITY"}
	if eq.IsOption() || eq.IsFuture() {
		t.Error("EQUITY should be neither option nor future")
	}
}

func TestOrderUpdateTimestamps(t *testing.T) {
	t.Parallel()

	u := OrderUpdate{CreateTime: "2025-03-14 09:15:00"}
	created, ok := u.CreatedAt()
	if !ok {
		t.Fatal("CreatedAt not ok")
	}
	// UpdatedAt falls back to CreateTime when UpdateTime is absent.
	updated, ok := u.UpdatedAt()
	if !ok || !updated.Equal(created) {
		t.Errorf("UpdatedAt fallback = %v, %v; want %v, true", updated, ok, created)
	}

	u.UpdateTime = "2025-03-14 09:16:30"
	updated, ok = u.UpdatedAt()
	if !ok || !updated.After(created) {
		t.Errorf("UpdatedAt = %v, %v; want time after %v", updated, ok, created)
	}
}
