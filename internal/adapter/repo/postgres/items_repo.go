package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// ItemRepo persists found items using a minimal pgx pool.
type ItemRepo struct{ Pool PgxPool }

// NewItemRepo constructs an ItemRepo with the given pool.
func NewItemRepo(p PgxPool) *ItemRepo { return &ItemRepo{Pool: p} }

const itemColumns = `id, task_id, listing_id, market_hash_name, price, currency,
	COALESCE(item_data,'{}'::jsonb), inspect_link, notified, found_at`

func scanItem(row pgx.Row) (domain.FoundItem, error) {
	var it domain.FoundItem
	err := row.Scan(&it.ID, &it.TaskID, &it.ListingID, &it.MarketHashName, &it.Price,
		&it.Currency, &it.ItemData, &it.InspectLink, &it.Notified, &it.FoundAt)
	return it, err
}

// RecordMatch stores a matched listing and bumps the owning task's found
// counter inside one transaction, so the row and the counter cannot drift. A
// duplicate (task_id, listing_id) surfaces as domain.ErrConflict.
func (r *ItemRepo) RecordMatch(ctx domain.Context, item domain.FoundItem) (int64, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.RecordMatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", item.TaskID),
		attribute.String("listing.id", item.ListingID),
	)

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	tx, err := r.Pool.BeginTx(execCtx, pgx.TxOptions{})
	if err != nil {
		return 0, mapErr("item.record_begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	foundAt := item.FoundAt
	if foundAt.IsZero() {
		foundAt = time.Now().UTC()
	}
	var id int64
	q := `INSERT INTO found_items
		(task_id, listing_id, market_hash_name, price, currency, item_data, inspect_link, notified, found_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`
	if err := tx.QueryRow(execCtx, q, item.TaskID, item.ListingID, item.MarketHashName,
		item.Price, item.Currency, item.ItemData, item.InspectLink, item.Notified, foundAt).Scan(&id); err != nil {
		return 0, mapErr("item.record_insert", err)
	}
	if _, err := tx.Exec(execCtx,
		`UPDATE monitoring_tasks SET items_found = items_found + 1 WHERE id=$1`, item.TaskID); err != nil {
		return 0, mapErr("item.record_counter", err)
	}

	commitCtx, cancelCommit := context.WithTimeout(ctx, commitTimeout)
	defer cancelCommit()
	if err := tx.Commit(commitCtx); err != nil {
		return 0, mapErr("item.record_commit", err)
	}
	return id, nil
}

// Exists reports whether the task already recorded the listing.
func (r *ItemRepo) Exists(ctx domain.Context, taskID int64, listingID string) (bool, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.Exists")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM found_items WHERE task_id=$1 AND listing_id=$2)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, taskID, listingID).Scan(&exists); err != nil {
		return false, mapErr("item.exists", err)
	}
	return exists, nil
}

// ListByTask returns the newest matches of one task.
func (r *ItemRepo) ListByTask(ctx domain.Context, taskID int64, limit int) ([]domain.FoundItem, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.ListByTask")
	defer span.End()
	q := `SELECT ` + itemColumns + ` FROM found_items WHERE task_id=$1 ORDER BY found_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, taskID, limit)
	if err != nil {
		return nil, mapErr("item.list_by_task", err)
	}
	defer rows.Close()
	var out []domain.FoundItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, mapErr("item.list_by_task_scan", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("item.list_by_task_rows", err)
	}
	return out, nil
}

// List returns the newest matches across all tasks.
func (r *ItemRepo) List(ctx domain.Context, limit int) ([]domain.FoundItem, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.List")
	defer span.End()
	q := `SELECT ` + itemColumns + ` FROM found_items ORDER BY found_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, mapErr("item.list", err)
	}
	defer rows.Close()
	var out []domain.FoundItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, mapErr("item.list_scan", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("item.list_rows", err)
	}
	return out, nil
}

// MarkNotified flags an item after its match event was delivered.
func (r *ItemRepo) MarkNotified(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.MarkNotified")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE found_items SET notified=TRUE WHERE id=$1`, id); err != nil {
		return mapErr("item.mark_notified", err)
	}
	return nil
}

// PurgeAll deletes every stored match and returns the number of rows removed.
func (r *ItemRepo) PurgeAll(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.items")
	ctx, span := tracer.Start(ctx, "items.PurgeAll")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM found_items`)
	if err != nil {
		return 0, mapErr("item.purge_all", err)
	}
	return tag.RowsAffected(), nil
}
