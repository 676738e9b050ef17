package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

type itemView struct {
	ID             int64           `json:"id"`
	TaskID         int64           `json:"task_id"`
	ListingID      string          `json:"listing_id"`
	MarketHashName string          `json:"market_hash_name"`
	Price          float64         `json:"price"`
	Currency       string          `json:"currency"`
	ItemData       json.RawMessage `json:"item_data,omitempty"`
	InspectLink    string          `json:"inspect_link,omitempty"`
	Notified       bool            `json:"notified"`
	FoundAt        time.Time       `json:"found_at"`
}

func viewItem(it domain.FoundItem) itemView {
	v := itemView{
		ID:             it.ID,
		TaskID:         it.TaskID,
		ListingID:      it.ListingID,
		MarketHashName: it.MarketHashName,
		Price:          it.Price,
		Currency:       it.Currency,
		InspectLink:    it.InspectLink,
		Notified:       it.Notified,
		FoundAt:        it.FoundAt,
	}
	if len(it.ItemData) > 0 {
		v.ItemData = json.RawMessage(it.ItemData)
	}
	return v
}

// ListItemsHandler returns the newest matches, optionally for one task.
func (s *Server) ListItemsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intQuery(r, "limit", 0)
		taskID := intQuery(r, "task_id", 0)
		var (
			items []domain.FoundItem
			err   error
		)
		if taskID > 0 {
			items, err = s.Items.ListByTask(r.Context(), int64(taskID), limit)
		} else {
			items, err = s.Items.List(r.Context(), limit)
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]itemView, 0, len(items))
		for _, it := range items {
			views = append(views, viewItem(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
	}
}

// PurgeItemsHandler deletes every stored match. Task counters are kept.
func (s *Server) PurgeItemsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Items.Purge(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
	}
}
