package httpserver

import (
	"net/http"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
	"github.com/fairyhunter13/steam-market-monitor/internal/usecase"
)

// taskRequest is the create-task body. Omitted fields pick up the service
// defaults (app 730, USD, 60s interval).
type taskRequest struct {
	Name                 string            `json:"name"`
	MarketHashName       string            `json:"market_hash_name"`
	AppID                int               `json:"app_id"`
	Currency             string            `json:"currency"`
	CheckIntervalSeconds int64             `json:"check_interval_seconds"`
	Filters              domain.FilterSpec `json:"filters"`
}

// taskPatchRequest is the update body; absent fields keep stored values.
type taskPatchRequest struct {
	Name                 *string            `json:"name"`
	MarketHashName       *string            `json:"market_hash_name"`
	AppID                *int               `json:"app_id"`
	Currency             *string            `json:"currency"`
	CheckIntervalSeconds *int64             `json:"check_interval_seconds"`
	Filters              *domain.FilterSpec `json:"filters"`
	Active               *bool              `json:"active"`
}

type taskView struct {
	ID                   int64             `json:"id"`
	Name                 string            `json:"name"`
	MarketHashName       string            `json:"market_hash_name"`
	AppID                int               `json:"app_id"`
	Currency             string            `json:"currency"`
	Filters              domain.FilterSpec `json:"filters"`
	Active               bool              `json:"active"`
	CheckIntervalSeconds int64             `json:"check_interval_seconds"`
	LastCheck            *time.Time        `json:"last_check"`
	NextCheck            time.Time         `json:"next_check"`
	TotalChecks          int64             `json:"total_checks"`
	ItemsFound           int64             `json:"items_found"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func viewTask(t domain.MonitoringTask) taskView {
	v := taskView{
		ID:                   t.ID,
		Name:                 t.Name,
		MarketHashName:       t.MarketHashName,
		AppID:                t.AppID,
		Currency:             t.Currency,
		Filters:              t.Filters,
		Active:               t.Active,
		CheckIntervalSeconds: int64(t.CheckInterval / time.Second),
		NextCheck:            t.NextCheck,
		TotalChecks:          t.TotalChecks,
		ItemsFound:           t.ItemsFound,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
	if !t.LastCheck.IsZero() {
		lc := t.LastCheck
		v.LastCheck = &lc
	}
	return v
}

// CreateTaskHandler admits a new monitoring task.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		draft := usecase.TaskDraft{
			Name:           req.Name,
			MarketHashName: req.MarketHashName,
			AppID:          req.AppID,
			Currency:       req.Currency,
			CheckInterval:  time.Duration(req.CheckIntervalSeconds) * time.Second,
			Filters:        req.Filters,
		}
		ctx := r.Context()
		id, err := s.Tasks.Create(ctx, draft)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		t, err := s.Tasks.Get(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, viewTask(t))
	}
}

// ListTasksHandler returns every task.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Tasks.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, viewTask(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	}
}

// GetTaskHandler returns one task.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		t, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// UpdateTaskHandler applies a partial update and returns the stored row.
func (s *Server) UpdateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req taskPatchRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		patch := usecase.TaskPatch{
			Name:           req.Name,
			MarketHashName: req.MarketHashName,
			AppID:          req.AppID,
			Currency:       req.Currency,
			Filters:        req.Filters,
			Active:         req.Active,
		}
		if req.CheckIntervalSeconds != nil {
			iv := time.Duration(*req.CheckIntervalSeconds) * time.Second
			patch.CheckInterval = &iv
		}
		t, err := s.Tasks.Update(r.Context(), id, patch)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// DeleteTaskHandler removes a task and its found items.
func (s *Server) DeleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Tasks.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetTaskActiveHandler toggles dispatch eligibility.
func (s *Server) SetTaskActiveHandler(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Tasks.SetActive(r.Context(), id, active); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResetTaskHandler makes a task due immediately.
func (s *Server) ResetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Tasks.ResetNextCheck(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StatsHandler returns the fleet summary.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Tasks.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
