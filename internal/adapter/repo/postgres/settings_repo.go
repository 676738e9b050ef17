package postgres

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// SettingsRepo stores operator-tunable key/value settings.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get loads a setting or returns domain.ErrNotFound.
func (r *SettingsRepo) Get(ctx domain.Context, key string) (string, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()
	var value string
	if err := r.Pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key=$1`, key).Scan(&value); err != nil {
		return "", mapErr("settings.get", err)
	}
	return value, nil
}

// Set stores or replaces a setting.
func (r *SettingsRepo) Set(ctx domain.Context, key, value string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Set")
	defer span.End()
	q := `INSERT INTO app_settings (key, value, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, key, value, time.Now().UTC()); err != nil {
		return mapErr("settings.set", err)
	}
	return nil
}
