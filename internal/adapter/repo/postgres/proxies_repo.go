// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ProxyRepo persists and loads pool members using a minimal pgx pool.
type ProxyRepo struct{ Pool PgxPool }

// NewProxyRepo constructs a ProxyRepo with the given pool.
func NewProxyRepo(p PgxPool) *ProxyRepo { return &ProxyRepo{Pool: p} }

const proxyColumns = `id, url, active, delay_seconds, success_count, fail_count,
	last_used, blocked_until, blocked_at, rate_limit_streak, COALESCE(last_error,''), created_at`

func scanProxy(row pgx.Row) (domain.Proxy, error) {
	var p domain.Proxy
	var delaySec float64
	var lastUsed, blockedUntil, blockedAt *time.Time
	err := row.Scan(&p.ID, &p.URL, &p.Active, &delaySec, &p.SuccessCount, &p.FailCount,
		&lastUsed, &blockedUntil, &blockedAt, &p.RateLimitStreak, &p.LastError, &p.CreatedAt)
	if err != nil {
		return domain.Proxy{}, err
	}
	p.Delay = time.Duration(delaySec * float64(time.Second))
	p.LastUsed = timeVal(lastUsed)
	p.BlockedUntil = timeVal(blockedUntil)
	p.BlockedAt = timeVal(blockedAt)
	return p, nil
}

// Create inserts a proxy. The URL must already be in canonical form; when the
// same canonical URL exists the id of the existing row is returned instead.
func (r *ProxyRepo) Create(ctx domain.Context, p domain.Proxy) (int64, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "proxies"),
	)
	q := `INSERT INTO proxies (url, active, delay_seconds, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, p.URL, p.Active, p.Delay.Seconds(), time.Now().UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already registered; hand back the existing row.
		if err := r.Pool.QueryRow(ctx, `SELECT id FROM proxies WHERE url=$1`, p.URL).Scan(&id); err != nil {
			return 0, mapErr("proxy.create_lookup", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, mapErr("proxy.create", err)
	}
	return id, nil
}

// Get loads a proxy by id.
func (r *ProxyRepo) Get(ctx domain.Context, id int64) (domain.Proxy, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id=$1`, id)
	p, err := scanProxy(row)
	if err != nil {
		return domain.Proxy{}, mapErr("proxy.get", err)
	}
	return p, nil
}

// List returns proxies ordered by id, optionally restricted to active rows.
func (r *ProxyRepo) List(ctx domain.Context, activeOnly bool) ([]domain.Proxy, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.List")
	defer span.End()
	q := `SELECT ` + proxyColumns + ` FROM proxies ORDER BY id`
	if activeOnly {
		q = `SELECT ` + proxyColumns + ` FROM proxies WHERE active ORDER BY id`
	}
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, mapErr("proxy.list", err)
	}
	defer rows.Close()
	var out []domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, mapErr("proxy.list_scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("proxy.list_rows", err)
	}
	return out, nil
}

// ListQuarantined returns active proxies still inside their block window,
// soonest-to-expire first, which is the order the revival prober wants.
func (r *ProxyRepo) ListQuarantined(ctx domain.Context, now time.Time) ([]domain.Proxy, error) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.ListQuarantined")
	defer span.End()
	q := `SELECT ` + proxyColumns + ` FROM proxies
		WHERE active AND blocked_until IS NOT NULL AND blocked_until > $1
		ORDER BY blocked_until ASC`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, mapErr("proxy.list_quarantined", err)
	}
	defer rows.Close()
	var out []domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, mapErr("proxy.list_quarantined_scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("proxy.list_quarantined_rows", err)
	}
	return out, nil
}

// MarkSuccess bumps the success counter and clears any quarantine state in a
// single statement.
func (r *ProxyRepo) MarkSuccess(ctx domain.Context, id int64, usedAt time.Time) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.MarkSuccess")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	q := `UPDATE proxies SET success_count = success_count + 1, last_used=$2,
		blocked_until=NULL, blocked_at=NULL, rate_limit_streak=0, last_error=''
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, usedAt.UTC()); err != nil {
		return mapErr("proxy.mark_success", err)
	}
	return nil
}

// MarkFailure bumps the failure counter and records the error text.
func (r *ProxyRepo) MarkFailure(ctx domain.Context, id int64, usedAt time.Time, errText string) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.MarkFailure")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	q := `UPDATE proxies SET fail_count = fail_count + 1, last_used=$2, last_error=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, usedAt.UTC(), errText); err != nil {
		return mapErr("proxy.mark_failure", err)
	}
	return nil
}

// Quarantine records a rate-limit incident: block window, escalation streak
// and failure counter move together in one statement.
func (r *ProxyRepo) Quarantine(ctx domain.Context, id int64, blockedAt, until time.Time, streak int, errText string) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Quarantine")
	defer span.End()
	span.SetAttributes(attribute.Int64("proxy.id", id), attribute.Int("proxy.streak", streak))
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	q := `UPDATE proxies SET fail_count = fail_count + 1, last_used=$2,
		blocked_at=$2, blocked_until=$3, rate_limit_streak=$4, last_error=$5
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, blockedAt.UTC(), until.UTC(), streak, errText); err != nil {
		return mapErr("proxy.quarantine", err)
	}
	return nil
}

// ClearQuarantine lifts the block window without touching the counters.
func (r *ProxyRepo) ClearQuarantine(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.ClearQuarantine")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	q := `UPDATE proxies SET blocked_until=NULL, blocked_at=NULL, rate_limit_streak=0 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return mapErr("proxy.clear_quarantine", err)
	}
	return nil
}

// SetActive toggles a proxy in or out of rotation.
func (r *ProxyRepo) SetActive(ctx domain.Context, id int64, active bool) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.SetActive")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE proxies SET active=$2 WHERE id=$1`, id, active); err != nil {
		return mapErr("proxy.set_active", err)
	}
	return nil
}

// Delete removes a proxy row.
func (r *ProxyRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM proxies WHERE id=$1`, id); err != nil {
		return mapErr("proxy.delete", err)
	}
	return nil
}
