package candles

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Writer persists finalized bars to SQLite from a single goroutine, batching
// inserts into one transaction per flush.
type Writer struct {
	db *sql.DB
}

// OpenWriter opens (creating if needed) the candle database in WAL mode.
func OpenWriter(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("candles: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS bars_1s (
			segment INTEGER NOT NULL,
			token   INTEGER NOT NULL,
			ts      INTEGER NOT NULL,
			open    INTEGER NOT NULL,
			high    INTEGER NOT NULL,
			low     INTEGER NOT NULL,
			close   INTEGER NOT NULL,
			volume  INTEGER,
			ticks   INTEGER,
			PRIMARY KEY (segment, token, ts)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("candles: schema: %w", err)
	}
	log.Printf("[candles] opened database at %s", path)
	return &Writer{db: db}, nil
}

// DB exposes the handle for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// Close closes the database.
func (w *Writer) Close() error { return w.db.Close() }

// Run consumes bars until ctx is cancelled or the channel closes, writing in
// batches of up to defaultBatchSize or every defaultFlushDelay, whichever
// comes first.
func (w *Writer) Run(ctx context.Context, barCh <-chan Candle) {
	batch := make([]Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			log.Printf("[candles] batch write failed (%d bars): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (w *Writer) writeBatch(batch []Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars_1s
			(segment, token, ts, open, high, low, close, volume, ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, bar := range batch {
		if _, err := stmt.Exec(
			int(bar.ID.Segment), bar.ID.Token, bar.TS.Unix(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Ticks,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
