package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/dex-history/internal/ledger"
	_ "modernc.org/sqlite"
)

// Store is the append-only SQLite archive of merged events and sent alerts.
// The sync engine never reads it back.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS events (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  actor         TEXT NOT NULL,
  txhash        TEXT NOT NULL,
  log_index     INTEGER NOT NULL,
  block_number  INTEGER NOT NULL,
  timestamp     INTEGER NOT NULL,
  amount_in     TEXT,
  amount_out    TEXT,
  is_a_to_b     INTEGER,
  amount_a      TEXT,
  amount_b      TEXT,
  liquidity     TEXT,
  archived_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS events_order ON events (timestamp DESC, block_number DESC, log_index DESC);

CREATE TABLE IF NOT EXISTS alerts (
  rule_id     TEXT NOT NULL,
  event_id    TEXT NOT NULL,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(rule_id, event_id)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveEvents archives events, ignoring IDs already present. It returns the
// number of newly stored rows.
func (s *Store) SaveEvents(ctx context.Context, events []ledger.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO events
  (id, kind, actor, txhash, log_index, block_number, timestamp,
   amount_in, amount_out, is_a_to_b, amount_a, amount_b, liquidity)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			var forward any
			if ev.Kind == ledger.KindSwap {
				forward = ev.Forward
			}
			res, err := stmt.ExecContext(ctx,
				ev.ID, string(ev.Kind), ev.Actor, ev.TxHash, ev.LogIndex, ev.BlockNumber, ev.Timestamp,
				bigText(ev.AmountIn), bigText(ev.AmountOut), forward,
				bigText(ev.AmountA), bigText(ev.AmountB), bigText(ev.Liquidity),
			)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	return inserted, err
}

// ListOptions narrows ListEvents. Zero values mean no restriction.
type ListOptions struct {
	Kind  ledger.Kind
	Actor string
	Limit int
}

// ListEvents returns archived events newest first, using the same ordering
// as the in-memory view.
func (s *Store) ListEvents(ctx context.Context, opts ListOptions) ([]ledger.Event, error) {
	var (
		where []string
		args  []any
	)
	if opts.Kind != "" && opts.Kind != ledger.KindAll {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.Actor != "" {
		where = append(where, "lower(actor) = lower(?)")
		args = append(args, strings.TrimSpace(opts.Actor))
	}

	q := `SELECT id, kind, actor, txhash, log_index, block_number, timestamp,
  amount_in, amount_out, is_a_to_b, amount_a, amount_b, liquidity FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, block_number DESC, log_index DESC, id ASC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev                    ledger.Event
			kind                  string
			in, outAmt, a, b, liq sql.NullString
			forward               sql.NullBool
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Actor, &ev.TxHash, &ev.LogIndex, &ev.BlockNumber, &ev.Timestamp,
			&in, &outAmt, &forward, &a, &b, &liq); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = ledger.Kind(kind)
		ev.AmountIn, ev.AmountOut = parseBig(in), parseBig(outAmt)
		ev.Forward = forward.Valid && forward.Bool
		ev.AmountA, ev.AmountB, ev.Liquidity = parseBig(a), parseBig(b), parseBig(liq)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// RecordAlert marks (ruleID, eventID) as alerted. It reports false when the
// pair was already recorded, so restarts do not re-send alerts for events
// the lookback window brings back.
func (s *Store) RecordAlert(ctx context.Context, ruleID, eventID string) (bool, error) {
	if ruleID == "" || eventID == "" {
		return false, errors.New("rule_id and event_id required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO alerts (rule_id, event_id) VALUES (?, ?);
`, ruleID, eventID)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	return n == 1, nil
}

// AlertSent reports whether (ruleID, eventID) was already recorded.
func (s *Store) AlertSent(ctx context.Context, ruleID, eventID string) (bool, error) {
	var sent bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM alerts WHERE rule_id = ? AND event_id = ?);
`, ruleID, eventID).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("check alert: %w", err)
	}
	return sent, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func bigText(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseBig(s sql.NullString) *big.Int {
	if !s.Valid {
		return nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil
	}
	return v
}
