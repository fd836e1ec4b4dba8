package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/orrn/printqueue/internal/db"
)

// SQLiteKV stores values in the kv_store table of the service database.
type SQLiteKV struct {
	ops *db.KVOperations
}

func NewSQLiteKV(database *sql.DB) *SQLiteKV {
	return &SQLiteKV{ops: db.NewKVOperations(database)}
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.ops.GetValue(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	return s.ops.SetValue(ctx, key, value)
}
