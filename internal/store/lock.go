package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ImmediateTx is a BEGIN IMMEDIATE transaction: it takes the SQLite
// write lock up front instead of on first write, which is what lets
// the Budget Gate treat a (company, product) read-modify-write as a
// single atomic unit. database/sql's own Tx always issues a plain
// "BEGIN" and upgrades lazily, so this pins a single *sql.Conn and
// drives BEGIN IMMEDIATE / COMMIT / ROLLBACK by hand.
type ImmediateTx struct {
	conn *sql.Conn
}

// BeginImmediate acquires a connection and starts a write-locking
// transaction on it.
func (s *Store) BeginImmediate(ctx context.Context) (*ImmediateTx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: begin immediate: %w", err)
	}
	return &ImmediateTx{conn: conn}, nil
}

func (t *ImmediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *ImmediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *ImmediateTx) Commit(ctx context.Context) error {
	defer t.conn.Close()
	_, err := t.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (t *ImmediateTx) Rollback(ctx context.Context) error {
	defer t.conn.Close()
	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	return err
}
