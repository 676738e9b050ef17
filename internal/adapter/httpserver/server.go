package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/config"
	"github.com/fairyhunter13/steam-market-monitor/internal/usecase"
)

// Server aggregates the handler dependencies.
type Server struct {
	Cfg     config.Config
	Tasks   usecase.TasksService
	Proxies usecase.ProxiesService
	Items   usecase.ItemsService

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, tasks usecase.TasksService, proxies usecase.ProxiesService, items usecase.ItemsService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Tasks: tasks, Proxies: proxies, Items: items, DBCheck: dbCheck, RedisCheck: redisCheck}
}

// ReadyzHandler probes the database and the cache. The engine is not ready
// while either backing store is unreachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
