package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// TaskRepo persists and loads monitoring tasks using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, name, market_hash_name, app_id, currency, filters_json, active,
	check_interval_seconds, last_check, next_check, total_checks, items_found, created_at, updated_at`

func scanTask(row pgx.Row) (domain.MonitoringTask, error) {
	var t domain.MonitoringTask
	var filters []byte
	var intervalSec int64
	var lastCheck *time.Time
	err := row.Scan(&t.ID, &t.Name, &t.MarketHashName, &t.AppID, &t.Currency, &filters, &t.Active,
		&intervalSec, &lastCheck, &t.NextCheck, &t.TotalChecks, &t.ItemsFound, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.MonitoringTask{}, err
	}
	t.CheckInterval = time.Duration(intervalSec) * time.Second
	t.LastCheck = timeVal(lastCheck)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &t.Filters); err != nil {
			return domain.MonitoringTask{}, fmt.Errorf("filters_json: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.MonitoringTask) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "monitoring_tasks"),
	)
	filters, err := json.Marshal(t.Filters)
	if err != nil {
		return 0, fmt.Errorf("op=task.create_marshal: %w", err)
	}
	next := t.NextCheck
	if next.IsZero() {
		next = time.Now().UTC()
	}
	q := `INSERT INTO monitoring_tasks
		(name, market_hash_name, app_id, currency, filters_json, active, check_interval_seconds, next_check, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, t.Name, t.MarketHashName, t.AppID, t.Currency, filters,
		t.Active, int64(t.CheckInterval.Seconds()), next, time.Now().UTC()).Scan(&id); err != nil {
		return 0, mapErr("task.create", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id int64) (domain.MonitoringTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.MonitoringTask{}, mapErr("task.get", err)
	}
	return t, nil
}

// List returns all tasks ordered by id.
func (r *TaskRepo) List(ctx domain.Context) ([]domain.MonitoringTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks ORDER BY id`)
	if err != nil {
		return nil, mapErr("task.list", err)
	}
	defer rows.Close()
	var out []domain.MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapErr("task.list_scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("task.list_rows", err)
	}
	return out, nil
}

// ListDue returns active tasks whose next check has arrived, oldest first.
func (r *TaskRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.MonitoringTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListDue")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))
	q := `SELECT ` + taskColumns + ` FROM monitoring_tasks
		WHERE active AND next_check <= $1
		ORDER BY next_check ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, mapErr("task.list_due", err)
	}
	defer rows.Close()
	var out []domain.MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapErr("task.list_due_scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("task.list_due_rows", err)
	}
	return out, nil
}

// Update replaces the mutable fields of a task.
func (r *TaskRepo) Update(ctx domain.Context, t domain.MonitoringTask) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	filters, err := json.Marshal(t.Filters)
	if err != nil {
		return fmt.Errorf("op=task.update_marshal: %w", err)
	}
	q := `UPDATE monitoring_tasks SET name=$2, market_hash_name=$3, app_id=$4, currency=$5,
		filters_json=$6, active=$7, check_interval_seconds=$8, updated_at=$9
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Name, t.MarketHashName, t.AppID, t.Currency,
		filters, t.Active, int64(t.CheckInterval.Seconds()), time.Now().UTC())
	if err != nil {
		return mapErr("task.update", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("task.update", pgx.ErrNoRows)
	}
	return nil
}

// Delete removes a task and, through the schema's cascade, its found items.
func (r *TaskRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM monitoring_tasks WHERE id=$1`, id)
	if err != nil {
		return mapErr("task.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("task.delete", pgx.ErrNoRows)
	}
	return nil
}

// SetActive toggles dispatch eligibility.
func (r *TaskRepo) SetActive(ctx domain.Context, id int64, active bool) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetActive")
	defer span.End()
	q := `UPDATE monitoring_tasks SET active=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, active, time.Now().UTC()); err != nil {
		return mapErr("task.set_active", err)
	}
	return nil
}

// ResetNextCheck makes the task immediately eligible again.
func (r *TaskRepo) ResetNextCheck(ctx domain.Context, id int64, at time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ResetNextCheck")
	defer span.End()
	q := `UPDATE monitoring_tasks SET next_check=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC(), time.Now().UTC()); err != nil {
		return mapErr("task.reset_next_check", err)
	}
	return nil
}

// CompleteCheck advances the schedule after a finished check. The counter
// moves inside the database so concurrent replicas never lose increments.
func (r *TaskRepo) CompleteCheck(ctx domain.Context, id int64, lastCheck, nextCheck time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CompleteCheck")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", id))
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	q := `UPDATE monitoring_tasks SET total_checks = total_checks + 1,
		last_check=$2, next_check=$3, updated_at=$2
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, lastCheck.UTC(), nextCheck.UTC()); err != nil {
		return mapErr("task.complete_check", err)
	}
	return nil
}
