package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestActionReverse(t *testing.T) {
	if ActionBuy.Reverse() != ActionSell {
		t.Errorf("BUY.Reverse() = %q, want SELL", ActionBuy.Reverse())
	}
	if ActionSell.Reverse() != ActionBuy {
		t.Errorf("SELL.Reverse() = %q, want BUY", ActionSell.Reverse())
	}
	if Action("HOLD").Valid() {
		t.Error("HOLD should not be a valid action")
	}
}

func TestOrderStatusStates(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		terminal bool
		working  bool
	}{
		{OrderStatusPendingSubmit, false, true},
		{OrderStatusPreSubmitted, false, true},
		{OrderStatusSubmitted, false, true},
		{OrderStatusFilled, true, false},
		{OrderStatusCancelled, true, false},
		{OrderStatusRejected, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.IsWorking(); got != tt.working {
			t.Errorf("%s.IsWorking() = %v, want %v", tt.status, got, tt.working)
		}
	}
}

func TestSideFor(t *testing.T) {
	if SideFor(100) != SideBought {
		t.Error("long position should open with BOT")
	}
	if SideFor(-5) != SideSold {
		t.Error("short position should open with SLD")
	}
}

func TestRiskRecordProtected(t *testing.T) {
	if (RiskRecord{OpenRisk: math.Inf(1)}).Protected() {
		t.Error("infinite open risk should be unprotected")
	}
	if !(RiskRecord{OpenRisk: 500}).Protected() {
		t.Error("finite open risk should be protected")
	}
}

func TestRiskRecordJSON(t *testing.T) {
	b, err := json.Marshal(RiskRecord{Symbol: "MSFT", Position: 10, AvgCost: 300, OpenRisk: math.Inf(1)})
	if err != nil {
		t.Fatalf("Marshal unprotected: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["open_risk"] != nil || got["protected"] != false || got["symbol"] != "MSFT" {
		t.Errorf("unprotected record = %s", b)
	}

	b, err = json.Marshal(RiskRecord{Symbol: "AAPL", OpenRisk: 500})
	if err != nil {
		t.Fatalf("Marshal protected: %v", err)
	}
	got = nil
	_ = json.Unmarshal(b, &got)
	if got["open_risk"] != 500.0 || got["protected"] != true {
		t.Errorf("protected record = %s", b)
	}
}

func TestRiskRecordJSONRoundTrip(t *testing.T) {
	aux := 155.0
	for _, in := range []RiskRecord{
		{Symbol: "AAPL", Position: -100, AvgCost: 150, StopOrderID: 7, StopAuxPrice: &aux, OpenRisk: 500},
		{Symbol: "MSFT", Position: 10, AvgCost: 300, OpenRisk: math.Inf(1)},
	} {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal %s: %v", in.Symbol, err)
		}
		var out RiskRecord
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("Unmarshal %s: %v", in.Symbol, err)
		}
		if out.Symbol != in.Symbol || out.OpenRisk != in.OpenRisk || out.Protected() != in.Protected() {
			t.Errorf("round trip %s: got %+v", in.Symbol, out)
		}
	}
}

func TestErrorKindOf(t *testing.T) {
	base := &Error{Kind: KindPartialSubmission, Op: "submit_bracket", Symbol: "AAPL", Leg: LegStop, Err: errors.New("rejected")}
	wrapped := fmt.Errorf("outer: %w", base)

	if got := KindOf(wrapped); got != KindPartialSubmission {
		t.Errorf("KindOf = %q, want %q", got, KindPartialSubmission)
	}
	if !errors.Is(wrapped, &Error{Kind: KindPartialSubmission}) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(wrapped, &Error{Kind: KindInvalidInput}) {
		t.Error("errors.Is matched the wrong kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}

	want := "submit_bracket: partial_submission_failure [AAPL] (leg=stop): rejected"
	if base.Error() != want {
		t.Errorf("Error() = %q, want %q", base.Error(), want)
	}
}

func TestTransient(t *testing.T) {
	if !Transient(&Error{Kind: KindConnectionTimeout}) {
		t.Error("connection timeouts should be transient")
	}
	if !Transient(errors.New("eof")) {
		t.Error("plain errors should be transient")
	}
	if Transient(fmt.Errorf("wrapped: %w", &Error{Kind: KindInvalidInput})) {
		t.Error("invalid input should not be transient")
	}
}
