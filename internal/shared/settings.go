package shared

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Settings is an immutable snapshot of the global toggles read at the start
// of each operation. Passed explicitly, never consulted as ambient state.
type Settings struct {
	AllowNegativeStock bool
}

// SettingsStore reads the settings table.
type SettingsStore struct {
	pool     *pgxpool.Pool
	defaults Settings
}

// NewSettingsStore constructs SettingsStore with fallback defaults.
func NewSettingsStore(pool *pgxpool.Pool, defaults Settings) *SettingsStore {
	return &SettingsStore{pool: pool, defaults: defaults}
}

// Snapshot loads the current settings. Missing rows fall back to defaults.
func (s *SettingsStore) Snapshot(ctx context.Context) (Settings, error) {
	if s == nil {
		return Settings{}, errors.New("settings store not initialised")
	}
	out := s.defaults
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key='allow_negative_stock'`).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, nil
		}
		return out, err
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		out.AllowNegativeStock = parsed
	}
	return out, nil
}
