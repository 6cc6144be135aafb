package ledger

// Prices and sizes are stored as decimal strings; timestamps as unix milliseconds.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL,
    token_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    shares TEXT NOT NULL,
    cost TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('OPEN', 'STOPPED', 'RESOLVED')),
    exit_price TEXT,
    pnl TEXT,
    created_at INTEGER NOT NULL,
    closed_at INTEGER,
    expires_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_open_per_token
    ON trades(token_id) WHERE status = 'OPEN';

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
`
