package main

import (
	"math"
	"strings"
	"testing"
	"time"

	"riskdesk/internal/domain"
	"riskdesk/pkg/riskdesk"
)

func TestFormatMoney(t *testing.T) {
	tests := map[float64]string{
		0:          "0.00",
		999.5:      "999.50",
		1234.567:   "1,234.57",
		-1000000:   "-1,000,000.00",
		100000.001: "100,000.00",
	}
	for in, want := range tests {
		if got := formatMoney(in); got != want {
			t.Errorf("formatMoney(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestDashboardContent(t *testing.T) {
	aux := 155.0
	m := dashModel{
		report: riskdesk.RiskReport{Records: []domain.RiskRecord{
			{Symbol: "AAPL", Position: -100, AvgCost: 150, StopAuxPrice: &aux, OpenRisk: 500},
			{Symbol: "MSFT", Position: 10, AvgCost: 300, OpenRisk: math.Inf(1)},
		}},
		alarms: []riskdesk.AlarmEvent{{Symbol: "MSFT", Message: "Position without stop: MSFT", Time: time.Now()}},
	}
	out := m.renderContent()
	for _, want := range []string{"AAPL", "155.00", "500.00", "MSFT", "UNPROTECTED", "Position without stop: MSFT"} {
		if !strings.Contains(out, want) {
			t.Errorf("content missing %q:\n%s", want, out)
		}
	}
}

func TestPadOrTrunc(t *testing.T) {
	if got := padOrTrunc("abc", 5); got != "abc  " {
		t.Errorf("pad = %q", got)
	}
	if got := padOrTrunc("abcdef", 3); got != "abc" {
		t.Errorf("trunc = %q", got)
	}
}
