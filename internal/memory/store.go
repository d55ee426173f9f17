package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pingcrew/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultRecentLimit = 20

var (
	_ domain.ProbeStore   = (*SQLiteStore)(nil)
	_ domain.CrewRunStore = (*SQLiteStore)(nil)
)

// SQLiteStore keeps probe and crew run history in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping verifies the database is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SaveProbe(ctx context.Context, rec domain.ProbeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probes (host, status, details, channel, chat_id, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Host, string(rec.Status), rec.Details, rec.Channel, rec.ChatID, rec.LatencyMs, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save probe: %w", err)
	}
	return nil
}

// RecentProbes returns the newest probes first.
func (s *SQLiteStore) RecentProbes(ctx context.Context, limit int) ([]domain.ProbeRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, status, details, channel, chat_id, latency_ms, created_at
		 FROM probes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query probes: %w", err)
	}
	return scanProbes(rows)
}

// HostProbes returns the newest probes of one host first.
func (s *SQLiteStore) HostProbes(ctx context.Context, host string, limit int) ([]domain.ProbeRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, status, details, channel, chat_id, latency_ms, created_at
		 FROM probes WHERE host = ? ORDER BY created_at DESC, id DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("query probes for %s: %w", host, err)
	}
	return scanProbes(rows)
}

func scanProbes(rows *sql.Rows) ([]domain.ProbeRecord, error) {
	defer rows.Close()
	var out []domain.ProbeRecord
	for rows.Next() {
		var (
			rec     domain.ProbeRecord
			status  string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Host, &status, &rec.Details, &rec.Channel, &rec.ChatID, &rec.LatencyMs, &created); err != nil {
			return nil, fmt.Errorf("scan probe: %w", err)
		}
		rec.Status = domain.ProbeStatus(status)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes probes and crew runs created before cutoff and
// returns how many probes were removed.
func (s *SQLiteStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM probes WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune probes: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM crew_runs WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
		return n, fmt.Errorf("prune crew runs: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned probe history", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func (s *SQLiteStore) SaveCrewRun(ctx context.Context, run domain.CrewRun) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return 0, fmt.Errorf("marshal crew inputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO crew_runs (inputs, tasks, final, total_tokens, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(inputs), run.Tasks, run.Final, run.TotalTokens, run.DurationMs, run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("save crew run: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) RecentCrewRuns(ctx context.Context, limit int) ([]domain.CrewRun, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, inputs, tasks, final, total_tokens, duration_ms, created_at
		 FROM crew_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query crew runs: %w", err)
	}
	defer rows.Close()

	var out []domain.CrewRun
	for rows.Next() {
		var (
			run     domain.CrewRun
			inputs  string
			created int64
		)
		if err := rows.Scan(&run.ID, &inputs, &run.Tasks, &run.Final, &run.TotalTokens, &run.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("scan crew run: %w", err)
		}
		if err := json.Unmarshal([]byte(inputs), &run.Inputs); err != nil {
			s.logger.Warn("corrupt crew run inputs", "id", run.ID, "err", err)
		}
		run.CreatedAt = time.UnixMilli(created)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
