package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const runtimeStatusFile = "runtime_status.json"

// PositionStatus is the runtime view of one open position.
type PositionStatus struct {
	TradeID    string          `json:"trade_id"`
	MarketID   string          `json:"market_id"`
	TokenID    string          `json:"token_id"`
	Outcome    string          `json:"outcome"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Shares     decimal.Decimal `json:"shares"`
	LastBid    decimal.Decimal `json:"last_bid"`
	Phase      string          `json:"phase"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type RuntimeStatus struct {
	InstanceID       string           `json:"instance_id"`
	PID              int              `json:"pid"`
	State            string           `json:"state"`
	TradingEnabled   bool             `json:"trading_enabled"`
	StreamState      string           `json:"stream_state"`
	StreamReconnects int64            `json:"stream_reconnects,omitempty"`
	StreamDropped    int64            `json:"stream_dropped,omitempty"`
	EntryCircuit     string           `json:"entry_circuit,omitempty"`
	Balance          decimal.Decimal  `json:"balance"`
	Positions        []PositionStatus `json:"positions"`
	StartedAt        time.Time        `json:"started_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	LastTickAt       *time.Time       `json:"last_tick_at,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

// Store persists small JSON documents under the instance state directory.
type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	if status.Positions == nil {
		status.Positions = []PositionStatus{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	return LoadRuntimeStatus(s.root)
}

// LoadRuntimeStatus reads the status file of root without creating anything.
func LoadRuntimeStatus(root string) (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, runtimeStatusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, runtimeStatusFile)
}

// writeJSONAtomic replaces path through a synced temp file in the same directory.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped dir=%q err=%q", dir, err.Error())
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed dir=%q err=%q", dir, err.Error())
	}
}
