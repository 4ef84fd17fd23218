// Package sqlite implements the storage provider interface on a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Index on state_history.state for transmission counting
const currentSchemaVersion = 1

// Name is the registered provider name
const Name = "sqlite"

func init() {
	storage.Register(Name, func(_ context.Context, s storage.Settings) (storage.Provider, error) {
		return Open(s.Get("path", "msh.db"))
	})
}

// Store keeps message units in SQLite. It uses a single connection, so all
// statements are serialised and state updates are atomic.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pragmas and
// migrations
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_state ON state_history(state)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Name implements storage.Provider
func (s *Store) Name() string { return Name }

// Capabilities implements storage.Provider
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicStateUpdate: true}
}

// Store implements storage.Provider
func (s *Store) Store(ctx context.Context, unit *message.MessageUnit) error {
	summary, err := encodeUnit(unit.Summary())
	if err != nil {
		return err
	}
	details, err := encodeUnit(unit)
	if err != nil {
		return err
	}
	cur, _ := unit.CurrentEntry()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_units
			(core_id, kind, message_id, ref_to_message_id, direction, pmode_id, ts, current_state, state_seq, summary, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unit.CoreID, unit.Kind, unit.MessageID, unit.RefToMessageID, unit.Direction, unit.PModeID,
		toNanos(unit.Timestamp), cur.State, cur.Seq, summary, details,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s: %w", unit.CoreID, storage.ErrAlreadyExists)
		}
		return err
	}
	for _, e := range unit.States {
		if err := insertEntry(ctx, tx, unit.CoreID, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, coreID string, e message.StateEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO state_history (core_id, seq, state, start, description) VALUES (?, ?, ?, ?, ?)`,
		coreID, e.Seq, e.State, toNanos(e.Start), e.Description,
	)
	return err
}

// TrySetState implements storage.Provider
func (s *Store) TrySetState(ctx context.Context, coreID string, expected message.ProcessingState, entry message.StateEntry) (*message.MessageUnit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current message.ProcessingState
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_state, state_seq FROM message_units WHERE core_id = ?`, coreID,
	).Scan(&current, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if expected != message.StateAny && current != expected {
		u, err := s.load(ctx, tx, coreID, "details")
		if err != nil {
			return nil, err
		}
		return u, storage.ErrConflict
	}

	entry.Seq = seq + 1
	if err := insertEntry(ctx, tx, coreID, entry); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE message_units SET current_state = ?, state_seq = ? WHERE core_id = ?`,
		entry.State, entry.Seq, coreID,
	); err != nil {
		return nil, err
	}
	u, err := s.load(ctx, tx, coreID, "details")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete implements storage.Provider
func (s *Store) Delete(ctx context.Context, coreID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_units WHERE core_id = ?`, coreID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	return nil
}

// Get implements storage.Provider
func (s *Store) Get(ctx context.Context, coreID string) (*message.MessageUnit, error) {
	return s.load(ctx, s.db, coreID, "details")
}

// querier is implemented by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load reads a unit from the given JSON column and attaches its history
func (s *Store) load(ctx context.Context, q querier, coreID, column string) (*message.MessageUnit, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT `+column+` FROM message_units WHERE core_id = ?`, coreID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u, err := decodeUnit(raw)
	if err != nil {
		return nil, err
	}
	if u.States, err = history(ctx, q, coreID); err != nil {
		return nil, err
	}
	u.FullyLoaded = column == "details"
	return u, nil
}

func history(ctx context.Context, q querier, coreID string) ([]message.StateEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, state, start, description FROM state_history WHERE core_id = ? ORDER BY seq`, coreID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []message.StateEntry
	for rows.Next() {
		var e message.StateEntry
		var start int64
		if err := rows.Scan(&e.Seq, &e.State, &start, &e.Description); err != nil {
			return nil, err
		}
		e.Start = fromNanos(start)
		states = append(states, e)
	}
	return states, rows.Err()
}

// Find implements storage.Provider. Results are summaries.
func (s *Store) Find(ctx context.Context, filter storage.Filter) ([]*message.MessageUnit, error) {
	where, args := buildWhere(filter)
	query := `SELECT core_id, summary FROM message_units` + where + ` ORDER BY ts, core_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var units []*message.MessageUnit
	for rows.Next() {
		var coreID, raw string
		if err := rows.Scan(&coreID, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		u, err := decodeUnit(raw)
		if err != nil {
			rows.Close()
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// histories are read after the result set is closed, the pool has a
	// single connection
	for _, u := range units {
		if u.States, err = history(ctx, s.db, u.CoreID); err != nil {
			return nil, err
		}
	}
	return units, nil
}

func buildWhere(filter storage.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}
	if filter.Kind != "" {
		add("kind = ?", string(filter.Kind))
	}
	if filter.Direction != "" {
		add("direction = ?", string(filter.Direction))
	}
	if filter.MessageID != "" {
		add("message_id = ?", filter.MessageID)
	}
	if filter.RefToMessageID != "" {
		add("ref_to_message_id = ?", filter.RefToMessageID)
	}
	if len(filter.PModeIDs) > 0 {
		values := make([]any, len(filter.PModeIDs))
		for i, id := range filter.PModeIDs {
			values[i] = id
		}
		add("pmode_id IN ("+placeholders(len(values))+")", values...)
	}
	if len(filter.States) > 0 {
		values := make([]any, len(filter.States))
		for i, st := range filter.States {
			values[i] = string(st)
		}
		add("current_state IN ("+placeholders(len(values))+")", values...)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CountTransmissions implements storage.Provider
func (s *Store) CountTransmissions(ctx context.Context, messageID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM state_history h
		JOIN message_units u ON u.core_id = h.core_id
		WHERE u.message_id = ? AND u.direction = ? AND h.state = ?`,
		messageID, string(message.DirectionOut), string(message.StateSending),
	).Scan(&n)
	return n, err
}

// Ping implements storage.Provider
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements storage.Provider
func (s *Store) Close(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeUnit(u *message.MessageUnit) (string, error) {
	c := *u
	c.States = nil
	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encoding message unit %s: %w", u.CoreID, err)
	}
	return string(b), nil
}

func decodeUnit(raw string) (*message.MessageUnit, error) {
	var u message.MessageUnit
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decoding message unit: %w", err)
	}
	return &u, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
