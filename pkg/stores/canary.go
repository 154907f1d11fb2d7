package stores

import (
	"context"
	"fmt"
	"time"
)

// RecordCanaryResult appends a canary check outcome
func (s *SQLiteStore) RecordCanaryResult(ctx context.Context, result *CanaryResult) error {
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canary_results (cell_id, success, status_code, latency_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, result.CellID, result.Success, result.StatusCode, result.Latency.Milliseconds(), result.Error, result.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to record canary result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get canary result ID: %w", err)
	}

	result.ID = id
	return nil
}

// ListCanaryResults lists the most recent canary results, newest first.
// An empty cellID lists results of every cell.
func (s *SQLiteStore) ListCanaryResults(ctx context.Context, cellID string, limit int) ([]*CanaryResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cell_id, success, status_code, latency_ms, error, checked_at
		FROM canary_results
		WHERE (? = '' OR cell_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`, cellID, cellID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list canary results: %w", err)
	}
	defer rows.Close()

	results := []*CanaryResult{}
	for rows.Next() {
		result := &CanaryResult{}
		var latencyMS int64
		err := rows.Scan(
			&result.ID,
			&result.CellID,
			&result.Success,
			&result.StatusCode,
			&latencyMS,
			&result.Error,
			&result.CheckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canary result: %w", err)
		}
		result.Latency = time.Duration(latencyMS) * time.Millisecond
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canary results: %w", err)
	}

	return results, nil
}
