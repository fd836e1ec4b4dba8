package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVOperations reads and writes opaque values in the kv_store table.
type KVOperations struct {
	db *sql.DB
}

func NewKVOperations(database *sql.DB) *KVOperations {
	return &KVOperations{db: database}
}

// GetValue returns sql.ErrNoRows when key is absent.
func (o *KVOperations) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := o.db.QueryRowContext(ctx, GetValue, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get value: %w", err)
	}
	return value, nil
}

func (o *KVOperations) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := o.db.ExecContext(ctx, SetValue, key, value, value)
	if err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

func (o *KVOperations) DeleteValue(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteValue, key)
	if err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

type SettingsOperations struct {
	db *sql.DB
}

func NewSettingsOperations(database *sql.DB) *SettingsOperations {
	return &SettingsOperations{db: database}
}

// GetSetting returns sql.ErrNoRows when key is absent.
func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
