package fusion

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var historyMigrations embed.FS

// HistoryRecord is one stored alignment cycle
type HistoryRecord struct {
	ID           int64        `json:"id"`
	At           time.Time    `json:"at"`
	MovieName    string       `json:"movieName,omitempty"`
	SceneName    string       `json:"sceneName,omitempty"`
	SampleID     string       `json:"sampleId,omitempty"`
	Outcome      CycleOutcome `json:"outcome"`
	Reason       string       `json:"reason,omitempty"`
	PairCount    int          `json:"pairCount"`
	PendingCount int          `json:"pendingCount"`
	SelectedDist float64      `json:"selectedDist"`
	Scale        *float64     `json:"scale,omitempty"`
	RMSE         *float64     `json:"rmse,omitempty"`
	NumInliers   *int         `json:"numInliers,omitempty"`
	Score        *float64     `json:"score,omitempty"`
}

// HistoryStore persists alignment cycles to SQLite
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the database at path and migrates it to
// the latest schema
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// One connection keeps SQLite writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring history db: %w", err)
	}

	h := &HistoryStore{db: db}
	if err := h.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// migrateUp applies the embedded migrations. The migrate instance is not
// closed because that would close the shared connection.
func (h *HistoryStore) migrateUp() error {
	src, err := iofs.New(historyMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading history migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(h.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on top of the package logger
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	L().Debugf("[HISTORY] migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Record stores one cycle, tagged with the session it ran against
func (h *HistoryStore) Record(res CycleResult, session SessionInfo) error {
	var scale, rmse, score sql.NullFloat64
	var inliers sql.NullInt64
	if res.Sim != nil {
		scale = sql.NullFloat64{Float64: res.Sim.Scale, Valid: true}
		if res.Sim.Stats != nil {
			rmse = sql.NullFloat64{Float64: res.Sim.Stats.RMSE, Valid: true}
			inliers = sql.NullInt64{Int64: int64(res.Sim.Stats.NumInliers), Valid: true}
		}
	}
	if res.Score > 0 {
		score = sql.NullFloat64{Float64: res.Score, Valid: true}
	}
	at := res.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := h.db.Exec(`
		INSERT INTO alignment_history (
			at_ms, movie_name, scene_name, sample_id, outcome, reason,
			pair_count, pending_count, selected_dist, scale, rmse, num_inliers, score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), session.Movie, session.Scene, res.SampleID, string(res.Outcome), res.Reason,
		res.PairCount, res.PendingCount, res.SelectedDist, scale, rmse, inliers, score,
	)
	if err != nil {
		return fmt.Errorf("recording cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (h *HistoryStore) Recent(limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`
		SELECT id, at_ms, movie_name, scene_name, sample_id, outcome, reason,
		       pair_count, pending_count, selected_dist, scale, rmse, num_inliers, score
		FROM alignment_history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec                HistoryRecord
			atMs               int64
			outcome            string
			scale, rmse, score sql.NullFloat64
			inliers            sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &atMs, &rec.MovieName, &rec.SceneName, &rec.SampleID, &outcome, &rec.Reason,
			&rec.PairCount, &rec.PendingCount, &rec.SelectedDist, &scale, &rmse, &inliers, &score); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec.At = time.UnixMilli(atMs)
		rec.Outcome = CycleOutcome(outcome)
		if scale.Valid {
			rec.Scale = &scale.Float64
		}
		if rmse.Valid {
			rec.RMSE = &rmse.Float64
		}
		if score.Valid {
			rec.Score = &score.Float64
		}
		if inliers.Valid {
			n := int(inliers.Int64)
			rec.NumInliers = &n
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return out, nil
}

// Observer returns a pipeline observer that records every cycle
func (h *HistoryStore) Observer(session *Session) func(CycleResult) {
	return func(res CycleResult) {
		info, _ := session.Info()
		if err := h.Record(res, info); err != nil {
			L().Warnf("[HISTORY] %v", err)
		}
	}
}

// Close closes the database
func (h *HistoryStore) Close() error {
	return h.db.Close()
}
