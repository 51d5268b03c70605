package master

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"marketdata-corev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the contract master to SQLite so the process can build its
// index without the vendor API, and remembers when each segment was last
// refreshed.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the master database in WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("master: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("master: schema: %w", err)
	}
	log.Printf("[master] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			segment        TEXT    NOT NULL,
			token          INTEGER NOT NULL,
			trading_symbol TEXT    NOT NULL,
			name           TEXT    NOT NULL,
			series         TEXT    NOT NULL,
			expiry         INTEGER NOT NULL, -- unix seconds, 0 for cash
			strike         INTEGER NOT NULL, -- paise
			option_type    TEXT    NOT NULL,
			lot_size       INTEGER NOT NULL,
			tick_size      INTEGER NOT NULL, -- paise
			PRIMARY KEY (segment, token)
		);

		CREATE INDEX IF NOT EXISTS idx_instruments_name
			ON instruments (segment, name);

		CREATE TABLE IF NOT EXISTS master_refresh (
			segment      TEXT PRIMARY KEY,
			refreshed_at INTEGER NOT NULL
		);
	`)
	return err
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Replace swaps a segment's rows for a fresh download in one transaction and
// stamps the refresh time.
func (s *Store) Replace(ctx context.Context, seg model.Segment, instruments []model.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("master: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments WHERE segment = ?`, seg.String()); err != nil {
		return fmt.Errorf("master: clear segment: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments
			(segment, token, trading_symbol, name, series, expiry, strike, option_type, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("master: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ins := range instruments {
		if ins.ID.Segment != seg {
			continue
		}
		var expiry int64
		if !ins.Expiry.IsZero() {
			expiry = ins.Expiry.Unix()
		}
		if _, err := stmt.ExecContext(ctx,
			seg.String(), ins.ID.Token, ins.TradingSymbol, ins.Name, ins.Series,
			expiry, ins.Strike, ins.OptionType, ins.LotSize, ins.TickSize,
		); err != nil {
			return fmt.Errorf("master: insert token %d: %w", ins.ID.Token, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO master_refresh (segment, refreshed_at) VALUES (?, ?)
		ON CONFLICT (segment) DO UPDATE SET refreshed_at = excluded.refreshed_at`,
		seg.String(), time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("master: stamp refresh: %w", err)
	}
	return tx.Commit()
}

// LoadAll returns every persisted instrument across segments.
func (s *Store) LoadAll(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment, token, trading_symbol, name, series, expiry, strike, option_type, lot_size, tick_size
		FROM instruments ORDER BY segment, token`)
	if err != nil {
		return nil, fmt.Errorf("master: query: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var (
			ins     model.Instrument
			segName string
			expiry  int64
		)
		if err := rows.Scan(&segName, &ins.ID.Token, &ins.TradingSymbol, &ins.Name, &ins.Series,
			&expiry, &ins.Strike, &ins.OptionType, &ins.LotSize, &ins.TickSize); err != nil {
			return nil, fmt.Errorf("master: scan: %w", err)
		}
		ins.ID.Segment = model.ParseSegment(segName)
		if expiry != 0 {
			ins.Expiry = time.Unix(expiry, 0)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// RefreshedAt returns when a segment's master was last replaced, zero time if
// never.
func (s *Store) RefreshedAt(ctx context.Context, seg model.Segment) (time.Time, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT refreshed_at FROM master_refresh WHERE segment = ?`, seg.String()).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("master: refreshed_at: %w", err)
	}
	return time.Unix(ts, 0), nil
}
