package engine

import (
	"testing"
	"time"

	"updown-trader/internal/core"
)

func TestEntrySignalBoundaries(t *testing.T) {
	p := testParams()
	p.EntryThreshold = d("0.80")
	tests := []struct {
		ask, bid string
		want     string
	}{
		{ask: "0.80", bid: "0.77", want: ""},
		{ask: "0.80", bid: "0.76", want: "spread_too_wide"},
		{ask: "0.79", bid: "0.78", want: "ask_below_threshold"},
		{ask: "0.90", bid: "0.89", want: ""},
		{ask: "0.91", bid: "0.90", want: "ask_above_max"},
		{ask: "0", bid: "0", want: "no_ask"},
	}
	for _, tc := range tests {
		if got := p.entryReason(d(tc.ask), d(tc.bid)); got != tc.want {
			t.Fatalf("entryReason(%s, %s) = %q, want %q", tc.ask, tc.bid, got, tc.want)
		}
	}
}

func TestStopSignalIsInclusive(t *testing.T) {
	p := testParams()
	p.StopLoss = d("0.80")
	if !p.shouldStop(d("0.80")) {
		t.Fatalf("shouldStop(0.80) = false, want true")
	}
	if p.shouldStop(d("0.81")) {
		t.Fatalf("shouldStop(0.81) = true, want false")
	}
	if p.shouldStop(d("0")) {
		t.Fatalf("shouldStop(0) = true on empty bid side")
	}
}

func TestInWindow(t *testing.T) {
	p := testParams()
	now := time.Unix(1700000000, 0)
	tests := []struct {
		left time.Duration
		want bool
	}{
		{left: 30 * time.Second, want: false},
		{left: time.Minute, want: true},
		{left: 15 * time.Minute, want: true},
		{left: 16 * time.Minute, want: false},
	}
	for _, tc := range tests {
		m := core.Market{EndTime: now.Add(tc.left)}
		if got := p.inWindow(m, now); got != tc.want {
			t.Fatalf("inWindow(%s) = %v, want %v", tc.left, got, tc.want)
		}
	}
}

func TestEntryNotional(t *testing.T) {
	p := testParams()
	if got := p.entryNotional(d("20")); !got.Equal(d("10")) {
		t.Fatalf("entryNotional(20) = %s, want 10", got)
	}
	if got := p.entryNotional(d("4")); !got.Equal(d("4")) {
		t.Fatalf("entryNotional(4) = %s, want 4", got)
	}
	p.PositionSizeUSD = d("0")
	if got := p.entryNotional(d("20")); !got.Equal(d("20")) {
		t.Fatalf("entryNotional(20) with zero size = %s, want 20", got)
	}
}

func TestStopWorstPriceFloorsAtTick(t *testing.T) {
	p := testParams()
	if got := p.stopWorstPrice(d("0.58")); !got.Equal(d("0.53")) {
		t.Fatalf("stopWorstPrice(0.58) = %s, want 0.53", got)
	}
	if got := p.stopWorstPrice(d("0.03")); !got.Equal(d("0.01")) {
		t.Fatalf("stopWorstPrice(0.03) = %s, want 0.01", got)
	}
}

func TestPhasesFailFast(t *testing.T) {
	s := newPhases()
	if !s.tryBegin("a", PhaseEntering) {
		t.Fatalf("tryBegin(idle) = false")
	}
	if s.tryBegin("a", PhaseExiting) {
		t.Fatalf("tryBegin(entering) = true, want false")
	}
	if !s.tryBegin("b", PhaseExiting) {
		t.Fatalf("tryBegin(other token) = false")
	}
	s.finish("a")
	if !s.tryBegin("a", PhaseExiting) {
		t.Fatalf("tryBegin(after finish) = false")
	}
}
