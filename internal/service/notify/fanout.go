// Package notify fans match events and pool alerts out to the configured
// delivery sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Fanout delivers every event to each sink in order. A failing sink never
// stops the remaining ones; the joined failures surface to the caller so it
// can tell a partial delivery from a clean one.
type Fanout struct {
	sinks []domain.Notifier
	log   *slog.Logger
}

// NewFanout builds a Fanout over the non-nil sinks. A Fanout with no sinks
// is valid and drops everything, so deployments without any delivery
// channel keep running.
func NewFanout(log *slog.Logger, sinks ...domain.Notifier) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	kept := make([]domain.Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept, log: log}
}

// NotifyMatch sends ev to every sink.
func (f *Fanout) NotifyMatch(ctx context.Context, ev domain.MatchEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.NotifyMatch(ctx, ev); err != nil {
			f.log.Warn("match sink failed",
				slog.String("event_id", ev.EventID),
				slog.Int64("task_id", ev.TaskID),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyProxyOutage sends o to every sink.
func (f *Fanout) NotifyProxyOutage(ctx context.Context, o domain.ProxyOutage) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.NotifyProxyOutage(ctx, o); err != nil {
			f.log.Warn("outage sink failed",
				slog.Int("blocked", o.Blocked),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
