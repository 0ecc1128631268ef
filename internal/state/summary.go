package state

import (
	"time"

	"github.com/studyatlas/portal-crawler/internal/crawler"
)

// UnitSummary is a read-only view of one unit for status reporting.
type UnitSummary struct {
	Target         string             `json:"target"`
	Category       string             `json:"category"`
	Status         crawler.UnitStatus `json:"status"`
	Cursor         int                `json:"cursor"`
	Pending        int                `json:"pending"`
	Completed      int                `json:"completed"`
	ItemsProcessed int                `json:"items_processed"`
	LastError      string             `json:"last_error,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Summary is a read-only view of the whole crawl for status reporting.
type Summary struct {
	CurrentPhase string        `json:"current_phase"`
	Units        []UnitSummary `json:"units"`
}

func summarize(s *crawler.GlobalState) Summary {
	out := Summary{CurrentPhase: s.CurrentPhase}
	for _, u := range s.Units {
		out.Units = append(out.Units, UnitSummary{
			Target:         u.Target,
			Category:       u.Category,
			Status:         u.Status,
			Cursor:         u.Cursor,
			Pending:        len(u.Pending),
			Completed:      len(u.Completed),
			ItemsProcessed: u.ItemsProcessed,
			LastError:      u.LastError,
			StartedAt:      u.StartedAt,
			CompletedAt:    u.CompletedAt,
		})
	}
	return out
}
