package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-guard/internal/model"
)

// SettingRepository reads and writes app_settings rows.
type SettingRepository struct {
	pool *pgxpool.Pool
}

func NewSettingRepository(pool *pgxpool.Pool) *SettingRepository {
	return &SettingRepository{pool: pool}
}

// GetMany returns the stored values for the given keys. Missing keys are absent from the map.
func (r *SettingRepository) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM app_settings WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var s model.AppSetting
		if err := rows.Scan(&s.Key, &s.Value); err != nil {
			return nil, err
		}
		out[s.Key] = s.Value
	}
	return out, rows.Err()
}

// UpsertMany writes every pair in one transaction.
func (r *SettingRepository) UpsertMany(ctx context.Context, values map[string]string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for key, value := range values {
			if _, err := tx.Exec(ctx,
				`INSERT INTO app_settings (key, value, updated_at) VALUES ($1, $2, NOW())
				 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
				key, value); err != nil {
				return err
			}
		}
		return nil
	})
}
