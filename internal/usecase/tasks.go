// Package usecase holds the admin-facing application services. They carry
// the validation and bookkeeping the engine does not repeat at runtime: a
// task that made it into the store is trusted by the dispatcher and the
// pipeline.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/service/dispatch"
)

const (
	// defaultAppID is the marketplace section tasks watch unless told
	// otherwise.
	defaultAppID = 730
	// baseCurrency is the currency cross-rates convert from. It needs no
	// rate of its own.
	baseCurrency = "USD"
	// defaultCheckInterval matches the schema default for drafts that carry
	// no interval.
	defaultCheckInterval = 60 * time.Second
)

var validate = validator.New()

// TasksService manages monitoring tasks for the HTTP admin API and the
// operator CLI. Rates guards task currencies against the rate cache; Cache
// is used to clear in-flight markers so admin actions never leave a task
// stuck behind a stale flag. Both may be nil in reduced wirings.
type TasksService struct {
	Tasks domain.TaskRepository
	Rates domain.RateSource
	Cache domain.Cache
}

// NewTasksService constructs a TasksService.
func NewTasksService(t domain.TaskRepository, r domain.RateSource, c domain.Cache) TasksService {
	return TasksService{Tasks: t, Rates: r, Cache: c}
}

// TaskDraft is the admission input for a new task. Zero values pick up the
// documented defaults before validation runs.
type TaskDraft struct {
	Name           string `validate:"required,max=255"`
	MarketHashName string `validate:"required,max=255"`
	AppID          int    `validate:"gt=0"`
	Currency       string `validate:"len=3,alpha"`
	CheckInterval  time.Duration
	Filters        domain.FilterSpec `validate:"-"`
}

// TaskPatch carries the optional fields of a task update. Nil fields keep
// their stored values.
type TaskPatch struct {
	Name           *string
	MarketHashName *string
	AppID          *int
	Currency       *string
	CheckInterval  *time.Duration
	Filters        *domain.FilterSpec
	Active         *bool
}

// admit normalizes a draft in place and validates it. Create and Update
// share it so both paths admit tasks under the same rules.
func (s TasksService) admit(ctx domain.Context, d *TaskDraft) error {
	d.Name = strings.TrimSpace(d.Name)
	d.MarketHashName = strings.TrimSpace(d.MarketHashName)
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if d.AppID == 0 {
		d.AppID = defaultAppID
	}
	if d.Currency == "" {
		d.Currency = baseCurrency
	}
	if d.CheckInterval <= 0 {
		d.CheckInterval = defaultCheckInterval
	}
	if d.CheckInterval < time.Second {
		return fmt.Errorf("%w: check interval below 1s", domain.ErrInvalidArgument)
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := d.Filters.Validate(); err != nil {
		return err
	}
	// Converted prices for a match can only be produced for currencies the
	// rate cache knows, so unknown codes are rejected up front rather than
	// surfacing as silent USD fallbacks later.
	if d.Currency != baseCurrency {
		if s.Rates == nil || !s.Rates.HasRate(ctx, d.Currency) {
			return fmt.Errorf("%w: no exchange rate for currency %q", domain.ErrInvalidArgument, d.Currency)
		}
	}
	return nil
}

// Create admits a draft and stores it as an active task due immediately.
// The id of the new task is returned.
func (s TasksService) Create(ctx domain.Context, d TaskDraft) (int64, error) {
	if err := s.admit(ctx, &d); err != nil {
		return 0, err
	}
	t := domain.MonitoringTask{
		Name:           d.Name,
		MarketHashName: d.MarketHashName,
		AppID:          d.AppID,
		Currency:       d.Currency,
		Filters:        d.Filters,
		Active:         true,
		CheckInterval:  d.CheckInterval,
	}
	id, err := s.Tasks.Create(ctx, t)
	if err != nil {
		return 0, err
	}
	// A marker left over from an earlier life of this id would block the
	// first sweep, so any leftover is dropped before the task goes live.
	s.clearRunningMarker(ctx, id)
	slog.Info("monitoring task created",
		slog.Int64("task_id", id),
		slog.String("name", t.Name),
		slog.Duration("interval", t.CheckInterval))
	return id, nil
}

// Get loads one task.
func (s TasksService) Get(ctx domain.Context, id int64) (domain.MonitoringTask, error) {
	return s.Tasks.Get(ctx, id)
}

// List returns every task ordered by id.
func (s TasksService) List(ctx domain.Context) ([]domain.MonitoringTask, error) {
	return s.Tasks.List(ctx)
}

// Update applies a partial patch to a stored task and returns the updated
// row. Merged values pass the same admission rules as Create.
func (s TasksService) Update(ctx domain.Context, id int64, p TaskPatch) (domain.MonitoringTask, error) {
	t, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return domain.MonitoringTask{}, err
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.MarketHashName != nil {
		t.MarketHashName = *p.MarketHashName
	}
	if p.AppID != nil {
		t.AppID = *p.AppID
	}
	if p.Currency != nil {
		t.Currency = *p.Currency
	}
	if p.CheckInterval != nil {
		t.CheckInterval = *p.CheckInterval
	}
	if p.Filters != nil {
		t.Filters = *p.Filters
	}
	if p.Active != nil {
		t.Active = *p.Active
	}
	d := TaskDraft{
		Name:           t.Name,
		MarketHashName: t.MarketHashName,
		AppID:          t.AppID,
		Currency:       t.Currency,
		CheckInterval:  t.CheckInterval,
		Filters:        t.Filters,
	}
	if err := s.admit(ctx, &d); err != nil {
		return domain.MonitoringTask{}, err
	}
	t.Name, t.MarketHashName = d.Name, d.MarketHashName
	t.AppID, t.Currency = d.AppID, d.Currency
	t.CheckInterval, t.Filters = d.CheckInterval, d.Filters
	if err := s.Tasks.Update(ctx, t); err != nil {
		return domain.MonitoringTask{}, err
	}
	slog.Info("monitoring task updated", slog.Int64("task_id", id))
	return s.Tasks.Get(ctx, id)
}

// Delete removes a task together with its found items (the schema cascades)
// and drops any in-flight marker so the cache holds nothing for a dead id.
func (s TasksService) Delete(ctx domain.Context, id int64) error {
	if err := s.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.clearRunningMarker(ctx, id)
	slog.Info("monitoring task deleted", slog.Int64("task_id", id))
	return nil
}

// SetActive toggles dispatch eligibility.
func (s TasksService) SetActive(ctx domain.Context, id int64, active bool) error {
	if _, err := s.Tasks.Get(ctx, id); err != nil {
		return err
	}
	if err := s.Tasks.SetActive(ctx, id, active); err != nil {
		return err
	}
	slog.Info("monitoring task toggled", slog.Int64("task_id", id), slog.Bool("active", active))
	return nil
}

// ResetNextCheck makes a task due immediately. A stale in-flight marker
// would keep the sweep from honoring the reset, so the marker is cleared
// first; a genuinely running check re-acquires it on its next refresh.
func (s TasksService) ResetNextCheck(ctx domain.Context, id int64) error {
	if _, err := s.Tasks.Get(ctx, id); err != nil {
		return err
	}
	s.clearRunningMarker(ctx, id)
	if err := s.Tasks.ResetNextCheck(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	slog.Info("monitoring task reset", slog.Int64("task_id", id))
	return nil
}

func (s TasksService) clearRunningMarker(ctx domain.Context, id int64) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Del(ctx, dispatch.RunningKey(id)); err != nil {
		slog.Warn("running marker cleanup failed",
			slog.Int64("task_id", id), slog.Any("error", err))
	}
}

// TaskOverview is the one-line task summary inside Stats. LastCheck is nil
// for a task that never ran.
type TaskOverview struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	MarketHashName string     `json:"market_hash_name"`
	Active         bool       `json:"active"`
	TotalChecks    int64      `json:"total_checks"`
	ItemsFound     int64      `json:"items_found"`
	LastCheck      *time.Time `json:"last_check"`
	NextCheck      time.Time  `json:"next_check"`
}

// TaskStats summarizes the fleet for the admin surfaces.
type TaskStats struct {
	TotalTasks   int            `json:"total_tasks"`
	ActiveTasks  int            `json:"active_tasks"`
	RunningTasks int            `json:"running_tasks"`
	TotalChecks  int64          `json:"total_checks"`
	ItemsFound   int64          `json:"items_found"`
	Tasks        []TaskOverview `json:"tasks"`
}

// Stats aggregates per-task counters and counts the checks currently in
// flight across the fleet. A degraded cache zeroes the running count
// instead of failing the whole summary.
func (s TasksService) Stats(ctx domain.Context) (TaskStats, error) {
	tasks, err := s.Tasks.List(ctx)
	if err != nil {
		return TaskStats{}, err
	}
	st := TaskStats{TotalTasks: len(tasks), Tasks: make([]TaskOverview, 0, len(tasks))}
	for _, t := range tasks {
		if t.Active {
			st.ActiveTasks++
		}
		st.TotalChecks += t.TotalChecks
		st.ItemsFound += t.ItemsFound
		row := TaskOverview{
			ID:             t.ID,
			Name:           t.Name,
			MarketHashName: t.MarketHashName,
			Active:         t.Active,
			TotalChecks:    t.TotalChecks,
			ItemsFound:     t.ItemsFound,
			NextCheck:      t.NextCheck,
		}
		if !t.LastCheck.IsZero() {
			lc := t.LastCheck
			row.LastCheck = &lc
		}
		st.Tasks = append(st.Tasks, row)
	}
	if s.Cache != nil {
		keys, err := s.Cache.Keys(ctx, dispatch.RunningKeyPrefix+"*")
		if err != nil {
			slog.Warn("running marker count unavailable", slog.Any("error", err))
		} else {
			st.RunningTasks = len(keys)
		}
	}
	return st, nil
}
