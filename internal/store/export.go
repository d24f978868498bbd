package store

import (
	"fmt"

	"github.com/pavelanni/tutorbench/internal/model"
)

// ExportRun gathers everything recorded for one run, or nil if it does not exist.
func (s *Store) ExportRun(id string) (*model.RunExport, error) {
	run, err := s.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if run == nil {
		return nil, nil
	}

	export := &model.RunExport{Run: *run, Predictions: []model.RunPrediction{}, MSE: []model.MSERecord{}}

	rows, err := s.db.Query(
		`SELECT student_id, topic_id, level, rationale FROM predictions WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	for rows.Next() {
		var p model.RunPrediction
		if err := rows.Scan(&p.StudentID, &p.TopicID, &p.Level, &p.Rationale); err != nil {
			rows.Close()
			return nil, err
		}
		export.Predictions = append(export.Predictions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT mse_score, created_at FROM mse_results WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list mse results: %w", err)
	}
	for rows.Next() {
		var m model.MSERecord
		if err := rows.Scan(&m.Score, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		export.MSE = append(export.MSE, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(
		`SELECT student_id, topic_id, level, delta FROM inferred_levels WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list inferred levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l model.InferredLevel
		if err := rows.Scan(&l.StudentID, &l.TopicID, &l.InferredLevel, &l.Delta); err != nil {
			return nil, err
		}
		export.Inferred = append(export.Inferred, l)
	}
	return export, rows.Err()
}
