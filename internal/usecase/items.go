package usecase

import (
	"log/slog"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

const (
	defaultItemLimit = 50
	maxItemLimit     = 500
)

// ItemsService exposes stored matches to the admin surfaces.
type ItemsService struct {
	Items domain.ItemRepository
}

// NewItemsService constructs an ItemsService.
func NewItemsService(r domain.ItemRepository) ItemsService {
	return ItemsService{Items: r}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultItemLimit
	}
	if limit > maxItemLimit {
		return maxItemLimit
	}
	return limit
}

// List returns the newest matches across all tasks.
func (s ItemsService) List(ctx domain.Context, limit int) ([]domain.FoundItem, error) {
	return s.Items.List(ctx, clampLimit(limit))
}

// ListByTask returns the newest matches of one task.
func (s ItemsService) ListByTask(ctx domain.Context, taskID int64, limit int) ([]domain.FoundItem, error) {
	return s.Items.ListByTask(ctx, taskID, clampLimit(limit))
}

// Purge deletes every stored match and reports how many rows went away.
// Tasks keep their counters; purging clears history, not statistics.
func (s ItemsService) Purge(ctx domain.Context) (int64, error) {
	n, err := s.Items.PurgeAll(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("found items purged", slog.Int64("removed", n))
	return n, nil
}
