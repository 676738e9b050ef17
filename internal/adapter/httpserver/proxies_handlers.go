package httpserver

import (
	"net/http"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

type proxyRequest struct {
	URL string `json:"url"`
	// DelaySeconds is the per-proxy pacing floor; zero inherits the pool
	// default.
	DelaySeconds float64 `json:"delay_seconds"`
}

type proxyView struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	Active          bool       `json:"active"`
	DelaySeconds    float64    `json:"delay_seconds"`
	SuccessCount    int64      `json:"success_count"`
	FailCount       int64      `json:"fail_count"`
	LastUsed        *time.Time `json:"last_used"`
	BlockedUntil    *time.Time `json:"blocked_until"`
	RateLimitStreak int        `json:"rate_limit_streak"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func viewProxy(p domain.Proxy) proxyView {
	v := proxyView{
		ID:              p.ID,
		URL:             p.URL,
		Active:          p.Active,
		DelaySeconds:    p.Delay.Seconds(),
		SuccessCount:    p.SuccessCount,
		FailCount:       p.FailCount,
		RateLimitStreak: p.RateLimitStreak,
		LastError:       p.LastError,
		CreatedAt:       p.CreatedAt,
	}
	if !p.LastUsed.IsZero() {
		lu := p.LastUsed
		v.LastUsed = &lu
	}
	if !p.BlockedUntil.IsZero() {
		bu := p.BlockedUntil
		v.BlockedUntil = &bu
	}
	return v
}

// AddProxyHandler registers a proxy under its canonical URL.
func (s *Server) AddProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxyRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		delay := time.Duration(req.DelaySeconds * float64(time.Second))
		p, err := s.Proxies.Add(r.Context(), req.URL, delay)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, viewProxy(p))
	}
}

// ListProxiesHandler returns the pool, optionally only rows in rotation.
func (s *Server) ListProxiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxies, err := s.Proxies.List(r.Context(), boolQuery(r, "active"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]proxyView, 0, len(proxies))
		for _, p := range proxies {
			views = append(views, viewProxy(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"proxies": views})
	}
}

// DeleteProxyHandler removes a proxy from the pool.
func (s *Server) DeleteProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Proxies.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetProxyActiveHandler moves a proxy in or out of rotation.
func (s *Server) SetProxyActiveHandler(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Proxies.SetActive(r.Context(), id, active); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CheckProxiesHandler runs the bulk probe. The request is not idempotent:
// probes move quarantine state.
func (s *Server) CheckProxiesHandler() http.HandlerFunc {
	type checkRequest struct {
		Concurrent int `json:"concurrent"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if r.ContentLength > 0 {
			if err := decodeBody(w, r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		rep, err := s.Proxies.CheckAll(r.Context(), req.Concurrent)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// DedupeProxiesHandler collapses rows sharing a canonical URL.
func (s *Server) DedupeProxiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := s.Proxies.Dedupe(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}
