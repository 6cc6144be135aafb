package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"updown-trader/internal/core"
)

var (
	// ErrNotOpen is returned when closing a trade that is not OPEN.
	ErrNotOpen = errors.New("trade is not open")
	// ErrNotFound is returned for an unknown trade id.
	ErrNotFound = errors.New("trade not found")
	// ErrDuplicateOpen is returned when a token already has an OPEN trade.
	ErrDuplicateOpen = errors.New("token already has an open trade")
)

// NewTrade is the input for Create. Status is always OPEN.
type NewTrade struct {
	MarketID   string
	TokenID    string
	Outcome    string
	EntryPrice decimal.Decimal
	Shares     decimal.Decimal
	Cost       decimal.Decimal
	ExpiresAt  time.Time
}

// Ledger is the durable trade lifecycle store.
type Ledger struct {
	db  *sql.DB
	ids *idGen
	now func() time.Time
}

// Open opens (and creates if needed) the SQLite ledger at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{db: db, ids: newIDGen(), now: time.Now}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Create inserts an OPEN trade and returns it with its generated id.
func (l *Ledger) Create(ctx context.Context, in NewTrade) (core.Trade, error) {
	if in.TokenID == "" || in.MarketID == "" {
		return core.Trade{}, errors.New("market id and token id are required")
	}
	if !in.Shares.IsPositive() || !core.InOpenUnit(in.EntryPrice) {
		return core.Trade{}, fmt.Errorf("invalid trade: shares=%s entry_price=%s", in.Shares, in.EntryPrice)
	}
	now := l.now().UTC()
	id, err := l.ids.next(now)
	if err != nil {
		return core.Trade{}, fmt.Errorf("generate trade id: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, market_id, token_id, outcome, entry_price, shares, cost, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.MarketID, in.TokenID, in.Outcome,
		in.EntryPrice.String(), in.Shares.String(), in.Cost.String(),
		string(core.TradeOpen), now.UnixMilli(), in.ExpiresAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Trade{}, fmt.Errorf("%w: %s", ErrDuplicateOpen, in.TokenID)
		}
		return core.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	return core.Trade{
		ID:         id,
		MarketID:   in.MarketID,
		TokenID:    in.TokenID,
		Outcome:    in.Outcome,
		EntryPrice: in.EntryPrice,
		Shares:     in.Shares,
		Cost:       in.Cost,
		Status:     core.TradeOpen,
		CreatedAt:  time.UnixMilli(now.UnixMilli()).UTC(),
		ExpiresAt:  time.UnixMilli(in.ExpiresAt.UTC().UnixMilli()).UTC(),
	}, nil
}

// CloseTrade moves an OPEN trade to a terminal status, writing exit price and
// pnl in the same statement. Closing twice fails with ErrNotOpen.
func (l *Ledger) CloseTrade(ctx context.Context, id string, exitPrice decimal.Decimal, status core.TradeStatus) (core.Trade, error) {
	if status != core.TradeStopped && status != core.TradeResolved {
		return core.Trade{}, fmt.Errorf("invalid terminal status %q", status)
	}
	if exitPrice.IsNegative() || exitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return core.Trade{}, fmt.Errorf("exit price %s outside [0, 1]", exitPrice)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Trade{}, fmt.Errorf("begin close: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	trade, err := scanTrade(tx.QueryRowContext(ctx, selectTrade+` WHERE id = ?`, id))
	if err != nil {
		return core.Trade{}, err
	}
	if trade.Status != core.TradeOpen {
		return core.Trade{}, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, trade.Status)
	}
	pnl := core.PnL(exitPrice, trade.Shares, trade.Cost)
	closedAt := l.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exit_price = ?, pnl = ?, closed_at = ?
		WHERE id = ? AND status = 'OPEN'`,
		string(status), exitPrice.String(), pnl.String(), closedAt.UnixMilli(), id,
	)
	if err != nil {
		return core.Trade{}, fmt.Errorf("close trade: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.Trade{}, err
	} else if n != 1 {
		return core.Trade{}, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if err := tx.Commit(); err != nil {
		return core.Trade{}, fmt.Errorf("commit close: %w", err)
	}
	closed := time.UnixMilli(closedAt.UnixMilli()).UTC()
	trade.Status = status
	trade.ExitPrice = &exitPrice
	trade.PnL = &pnl
	trade.ClosedAt = &closed
	return trade, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (core.Trade, error) {
	return scanTrade(l.db.QueryRowContext(ctx, selectTrade+` WHERE id = ?`, id))
}

// ListOpen returns every OPEN trade, oldest first. It is the startup recovery source.
func (l *Ledger) ListOpen(ctx context.Context) ([]core.Trade, error) {
	return l.query(ctx, selectTrade+` WHERE status = 'OPEN' ORDER BY id`)
}

// ListClosedSince returns trades closed at or after since, newest first.
func (l *Ledger) ListClosedSince(ctx context.Context, since time.Time) ([]core.Trade, error) {
	return l.query(ctx, selectTrade+` WHERE status != 'OPEN' AND closed_at >= ? ORDER BY closed_at DESC`, since.UTC().UnixMilli())
}

// ListRecent returns up to limit trades of any status, newest first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.query(ctx, selectTrade+` ORDER BY id DESC LIMIT ?`, limit)
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]core.Trade, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

const selectTrade = `
	SELECT id, market_id, token_id, outcome, entry_price, shares, cost, status,
	       exit_price, pnl, created_at, closed_at, expires_at
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (core.Trade, error) {
	var (
		t                    core.Trade
		status               string
		entry, shares, cost  string
		exitPrice, pnl       sql.NullString
		createdAt, expiresAt int64
		closedAt             sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.MarketID, &t.TokenID, &t.Outcome, &entry, &shares, &cost, &status,
		&exitPrice, &pnl, &createdAt, &closedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Trade{}, ErrNotFound
	}
	if err != nil {
		return core.Trade{}, fmt.Errorf("scan trade: %w", err)
	}
	t.Status = core.TradeStatus(status)
	if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return core.Trade{}, fmt.Errorf("trade %s entry_price: %w", t.ID, err)
	}
	if t.Shares, err = decimal.NewFromString(shares); err != nil {
		return core.Trade{}, fmt.Errorf("trade %s shares: %w", t.ID, err)
	}
	if t.Cost, err = decimal.NewFromString(cost); err != nil {
		return core.Trade{}, fmt.Errorf("trade %s cost: %w", t.ID, err)
	}
	if exitPrice.Valid {
		v, err := decimal.NewFromString(exitPrice.String)
		if err != nil {
			return core.Trade{}, fmt.Errorf("trade %s exit_price: %w", t.ID, err)
		}
		t.ExitPrice = &v
	}
	if pnl.Valid {
		v, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return core.Trade{}, fmt.Errorf("trade %s pnl: %w", t.ID, err)
		}
		t.PnL = &v
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if closedAt.Valid {
		c := time.UnixMilli(closedAt.Int64).UTC()
		t.ClosedAt = &c
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
