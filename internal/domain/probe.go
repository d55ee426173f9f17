package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ProbeStatus classifies the outcome of a reachability probe.
type ProbeStatus string

const (
	StatusReachable        ProbeStatus = "reachable"
	StatusUnreachable      ProbeStatus = "unreachable"
	StatusTimeout          ProbeStatus = "timeout"
	StatusError            ProbeStatus = "error"
	StatusToolNotInstalled ProbeStatus = "tool-not-installed"
	StatusCancelled        ProbeStatus = "cancelled"
	StatusMalformedCommand ProbeStatus = "malformed-command"
)

// Retryable reports whether the same probe may succeed if tried again unchanged.
func (s ProbeStatus) Retryable() bool {
	switch s {
	case StatusTimeout, StatusError, StatusCancelled:
		return true
	}
	return false
}

// ProbeResult is the normalized outcome of one probe. Host is only set when
// the utility actually ran to completion against it.
type ProbeResult struct {
	Host    string      `json:"host,omitempty"`
	Status  ProbeStatus `json:"status"`
	Details string      `json:"details"`
}

// Encode returns the canonical JSON encoding of the result.
func (r ProbeResult) Encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Only strings inside; Marshal cannot fail here.
		return fmt.Sprintf(`{"status":%q,"details":%q}`, StatusError, err.Error())
	}
	return string(data)
}

// DecodeProbeResult parses the canonical encoding produced by Encode.
func DecodeProbeResult(s string) (ProbeResult, error) {
	var r ProbeResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe result: %w", err)
	}
	if r.Status == "" {
		return ProbeResult{}, fmt.Errorf("decode probe result: missing status")
	}
	return r, nil
}

// ProbeRecord is a persisted probe outcome.
type ProbeRecord struct {
	ID        int64       `json:"id"`
	Host      string      `json:"host"`
	Status    ProbeStatus `json:"status"`
	Details   string      `json:"details"`
	Channel   string      `json:"channel,omitempty"`
	ChatID    string      `json:"chat_id,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
	CreatedAt time.Time   `json:"created_at"`
}

// ProbeStore keeps a history of probe outcomes.
type ProbeStore interface {
	SaveProbe(ctx context.Context, rec ProbeRecord) error
	RecentProbes(ctx context.Context, limit int) ([]ProbeRecord, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
