package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/tutorbench/internal/model"

	_ "modernc.org/sqlite"
)

// Store records run history in SQLite.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		set_type TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		topic_id TEXT NOT NULL,
		level REAL NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS mse_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		mse_score REAL NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS inferred_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		topic_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		delta REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_run ON predictions(run_id);
	CREATE INDEX IF NOT EXISTS idx_mse_results_run ON mse_results(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun records the start of a tool invocation.
func (s *Store) CreateRun(tool, setType string, params map[string]any) (model.Run, error) {
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return model.Run{}, fmt.Errorf("encode params: %w", err)
	}
	run := model.Run{
		ID:        uuid.NewString(),
		Tool:      tool,
		SetType:   setType,
		Params:    params,
		StartedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, tool, set_type, params_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Tool, run.SetType, string(paramsJSON), run.StartedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// AddPredictions stores a run's predictions in one transaction.
func (s *Store) AddPredictions(runID string, preds []model.RunPrediction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO predictions (run_id, student_id, topic_id, level, rationale) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range preds {
		if _, err := stmt.Exec(runID, p.StudentID, p.TopicID, p.Level, p.Rationale); err != nil {
			return fmt.Errorf("insert prediction %s %s: %w", p.StudentID, p.TopicID, err)
		}
	}
	return tx.Commit()
}

// AddMSEResult stores a score returned for a run's submission.
func (s *Store) AddMSEResult(runID string, score float64) error {
	_, err := s.db.Exec(
		`INSERT INTO mse_results (run_id, mse_score, created_at) VALUES (?, ?, ?)`,
		runID, score, time.Now().UTC(),
	)
	return err
}

// AddInferredLevels stores probing outcomes in one transaction.
func (s *Store) AddInferredLevels(runID string, levels []model.InferredLevel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, l := range levels {
		_, err := tx.Exec(
			`INSERT INTO inferred_levels (run_id, student_id, topic_id, level, delta) VALUES (?, ?, ?, ?, ?)`,
			runID, l.StudentID, l.TopicID, l.InferredLevel, l.Delta,
		)
		if err != nil {
			return fmt.Errorf("insert inferred level %s %s: %w", l.StudentID, l.TopicID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `r.id, r.tool, r.set_type, r.params_json, r.started_at,
	(SELECT COUNT(*) FROM predictions p WHERE p.run_id = r.id),
	(SELECT m.mse_score FROM mse_results m WHERE m.run_id = r.id ORDER BY m.id DESC LIMIT 1)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		run        model.Run
		paramsJSON string
		mse        sql.NullFloat64
	)
	if err := row.Scan(&run.ID, &run.Tool, &run.SetType, &paramsJSON, &run.StartedAt, &run.NumPredictions, &mse); err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return model.Run{}, fmt.Errorf("decode params of run %s: %w", run.ID, err)
	}
	if mse.Valid {
		run.MSEScore = &mse.Float64
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A limit below 1 means all.
func (s *Store) ListRuns(limit int) ([]model.Run, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a run by ID, or nil if it does not exist.
func (s *Store) GetRun(id string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
