package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tick := time.Now().UTC().Add(-5 * time.Second)
	in := RuntimeStatus{
		InstanceID:     "btc-15m",
		PID:            1234,
		State:          "running",
		TradingEnabled: true,
		StreamState:    "CONNECTED",
		EntryCircuit:   "closed",
		Balance:        decimal.RequireFromString("42.5"),
		Positions: []PositionStatus{{
			TradeID:    "01HX",
			TokenID:    "tok-up",
			Outcome:    "Up",
			EntryPrice: decimal.RequireFromString("0.81"),
			Shares:     decimal.RequireFromString("12.34"),
			Phase:      "IDLE",
		}},
		StartedAt:  time.Now().UTC().Add(-time.Minute),
		LastTickAt: &tick,
		LastError:  "book timeout",
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := LoadRuntimeStatus(root)
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = (%v, %v), want (true, nil)", ok, err)
	}
	if out.InstanceID != in.InstanceID || out.State != in.State || !out.TradingEnabled || out.LastError != in.LastError {
		t.Fatalf("LoadRuntimeStatus() = %+v, want %+v", out, in)
	}
	if !out.Balance.Equal(in.Balance) {
		t.Fatalf("balance = %s, want %s", out.Balance, in.Balance)
	}
	if len(out.Positions) != 1 || !out.Positions[0].Shares.Equal(in.Positions[0].Shares) {
		t.Fatalf("positions = %+v", out.Positions)
	}
	if out.UpdatedAt.IsZero() || out.LastTickAt == nil {
		t.Fatalf("timestamps not persisted: %+v", out)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == "" && e.Name() != runtimeStatusFile {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStoreEmptyPositionsEncodeAsArray(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.SaveRuntimeStatus(RuntimeStatus{InstanceID: "x"}); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}
	out, _, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if out.Positions == nil {
		t.Fatalf("positions = nil, want empty slice")
	}
}

func TestLoadRuntimeStatusNotExist(t *testing.T) {
	_, ok, err := LoadRuntimeStatus(t.TempDir())
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if ok {
		t.Fatalf("LoadRuntimeStatus() ok = true, want false")
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("New(\"\") error = nil, want error")
	}
}
