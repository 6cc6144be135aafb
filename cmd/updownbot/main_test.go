package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/config"
	"updown-trader/internal/ledger"
	"updown-trader/internal/store"
)

func writeConfig(t *testing.T) (path, stateDir, ledgerPath string) {
	t.Helper()
	for _, k := range []string{config.EnvAPIKey, config.EnvAPISecret, config.EnvPassphrase} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	stateDir = filepath.Join(dir, "state")
	ledgerPath = filepath.Join(stateDir, "cli", "trades.db")
	raw := fmt.Sprintf(`
instance_id: cli
strategy:
  entry_threshold: "0.80"
  max_entry_price: "0.92"
  stop_loss: "0.60"
state:
  dir: %q
  ledger_path: %q
`, stateDir, ledgerPath)
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, stateDir, ledgerPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPositionsListsOpenTrades(t *testing.T) {
	cfgPath, _, ledgerPath := writeConfig(t)
	lg, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	tr, err := lg.Create(context.Background(), ledger.NewTrade{
		MarketID:   "m1",
		TokenID:    "tok-up",
		Outcome:    "Up",
		EntryPrice: decimal.RequireFromString("0.8"),
		Shares:     decimal.RequireFromString("12.5"),
		Cost:       decimal.NewFromInt(10),
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = lg.Close()

	out, err := execute(t, "--config", cfgPath, "--env-file", "", "positions")
	if err != nil {
		t.Fatalf("positions error = %v", err)
	}
	if !strings.Contains(out, tr.ID) || !strings.Contains(out, "OPEN") || !strings.Contains(out, "12.5") {
		t.Fatalf("positions output = %q", out)
	}
}

func TestPositionsEmptyLedger(t *testing.T) {
	cfgPath, _, _ := writeConfig(t)
	out, err := execute(t, "--config", cfgPath, "--env-file", "", "positions", "--recent", "5")
	if err != nil {
		t.Fatalf("positions error = %v", err)
	}
	if strings.TrimSpace(out) != "no trades" {
		t.Fatalf("positions output = %q, want no trades", out)
	}
}

func TestStatusPrintsRuntimeStatus(t *testing.T) {
	cfgPath, stateDir, _ := writeConfig(t)
	if _, err := execute(t, "--config", cfgPath, "--env-file", "", "status"); err == nil {
		t.Fatalf("status without file error = nil, want error")
	}

	st, err := store.New(filepath.Join(stateDir, "cli"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	if err := st.SaveRuntimeStatus(store.RuntimeStatus{InstanceID: "cli", State: "running"}); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}
	out, err := execute(t, "--config", cfgPath, "--env-file", "", "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, `"state": "running"`) || !strings.Contains(out, `"positions": []`) {
		t.Fatalf("status output = %q", out)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("strategy:\n  stop_loss: \"0.9\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := execute(t, "--config", path, "--env-file", "", "check"); err == nil {
		t.Fatalf("check with invalid config error = nil, want error")
	}
}
