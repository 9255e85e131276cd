// Package journal persists emitted synthetic trades to SQLite for durable
// history across restarts. Writes happen on the drain goroutine, off the
// scheduler's tick path.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"streamdesk/internal/model"
)

// Journal persists trades to SQLite.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens (or creates) the journal database, creating its parent
// directory if needed.
func New(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		price       REAL NOT NULL,
		qty         REAL NOT NULL,
		pnl_cents   INTEGER NOT NULL,
		executed_at DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Record persists one trade.
func (j *Journal) Record(t model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO trades (symbol, side, price, qty, pnl_cents, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Symbol,
		string(t.Side),
		t.Price,
		t.Qty,
		t.PnLCents,
		t.Timestamp.Format(time.RFC3339),
	)
	return err
}

// Row is one persisted trade record.
type Row struct {
	ID         int64   `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	PnLCents   int64   `json:"pnl_cents"`
	ExecutedAt string  `json:"executed_at"`
}

// Recent returns the last N trades, newest first.
func (j *Journal) Recent(limit int) ([]Row, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, symbol, side, price, qty, pnl_cents, executed_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Price, &r.Qty, &r.PnLCents, &r.ExecutedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
