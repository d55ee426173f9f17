package domain

import (
	"context"
	"time"
)

// CrewRun is a persisted summary of one crew kickoff.
type CrewRun struct {
	ID          int64             `json:"id"`
	Inputs      map[string]string `json:"inputs"`
	Tasks       int               `json:"tasks"`
	Final       string            `json:"final"`
	TotalTokens int               `json:"total_tokens"`
	DurationMs  int64             `json:"duration_ms"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CrewRunStore keeps a history of crew kickoffs.
type CrewRunStore interface {
	SaveCrewRun(ctx context.Context, run CrewRun) (int64, error)
	RecentCrewRuns(ctx context.Context, limit int) ([]CrewRun, error)
}
