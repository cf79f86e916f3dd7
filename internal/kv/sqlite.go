package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/tiderelay/internal/db"
)

// SQLite stores entries in the kv table of the relay database.
type SQLite struct {
	db    *db.DB
	batch *batch
}

// NewSQLite returns a Store backed by d. The caller owns d; Close does not
// close it.
func NewSQLite(d *db.DB) *SQLite {
	return &SQLite{db: d, batch: newBatch()}
}

func (s *SQLite) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if v, ok := s.batch.lookup(namespace, key); ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

func (s *SQLite) Set(_ context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	s.batch.put(namespace, key, value)
	return nil
}

func (s *SQLite) Delete(_ context.Context, namespace, key string) error {
	s.batch.put(namespace, key, nil)
	return nil
}

func (s *SQLite) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", namespace, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.batch.overlay(namespace, keys), nil
}

func (s *SQLite) Commit(ctx context.Context) error {
	pending := s.batch.take()
	if len(pending) == 0 {
		return nil
	}
	if err := s.apply(ctx, pending); err != nil {
		return fmt.Errorf("kv commit: %w", err)
	}
	return nil
}

func (s *SQLite) apply(ctx context.Context, pending map[string]map[string]op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()
	del, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`)
	if err != nil {
		return err
	}
	defer del.Close()

	for ns, ops := range pending {
		for k, o := range ops {
			if o.value == nil {
				_, err = del.ExecContext(ctx, ns, k)
			} else {
				_, err = upsert.ExecContext(ctx, ns, k, o.value)
			}
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *SQLite) Rollback() { s.batch.take() }

// Close drops uncommitted writes.
func (s *SQLite) Close() error {
	s.batch.take()
	return nil
}
