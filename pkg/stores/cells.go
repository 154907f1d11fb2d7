package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const cellColumns = `cell_id, stack_name, status, stage, image_uri, template_version, created_at, updated_at`

func scanCell(row interface{ Scan(...any) error }) (*Cell, error) {
	cell := &Cell{}
	err := row.Scan(
		&cell.ID,
		&cell.StackName,
		&cell.Status,
		&cell.Stage,
		&cell.ImageURI,
		&cell.TemplateVersion,
		&cell.CreatedAt,
		&cell.UpdatedAt,
	)
	return cell, err
}

// CreateCell inserts a cell into the registry
func (s *SQLiteStore) CreateCell(ctx context.Context, cell *Cell) error {
	now := time.Now().UTC()
	cell.CreatedAt = now
	cell.UpdatedAt = now

	query := `INSERT INTO cells (` + cellColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		cell.ID,
		cell.StackName,
		cell.Status,
		cell.Stage,
		cell.ImageURI,
		cell.TemplateVersion,
		cell.CreatedAt,
		cell.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("cell %s: %w", cell.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create cell: %w", err)
	}

	return nil
}

// GetCell retrieves a cell by ID
func (s *SQLiteStore) GetCell(ctx context.Context, id string) (*Cell, error) {
	cell, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE cell_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cell %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cell: %w", err)
	}

	return cell, nil
}

// ListCells lists cells ordered by ID
func (s *SQLiteStore) ListCells(ctx context.Context, filter CellFilter) ([]*Cell, error) {
	query := `
		SELECT ` + cellColumns + `
		FROM cells
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR stage = ?)
		ORDER BY cell_id
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Status, filter.Status, filter.Stage, filter.Stage)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	cells := []*Cell{}
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, cell)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}

	return cells, nil
}

// UpdateCellStatus sets the lifecycle status of a cell
func (s *SQLiteStore) UpdateCellStatus(ctx context.Context, id string, status CellStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE cells SET status = ?, updated_at = ? WHERE cell_id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update cell status: %w", err)
	}

	return checkAffected(result, "cell", id)
}

// UpdateCellVersion records the template version and image a cell runs
func (s *SQLiteStore) UpdateCellVersion(ctx context.Context, id string, version int, imageURI string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE cells SET template_version = ?, image_uri = ?, updated_at = ? WHERE cell_id = ?`,
		version, imageURI, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update cell version: %w", err)
	}

	return checkAffected(result, "cell", id)
}

// DeleteCell removes a cell from the registry
func (s *SQLiteStore) DeleteCell(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cells WHERE cell_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cell: %w", err)
	}

	return checkAffected(result, "cell", id)
}

// CreateUser inserts a user and its cell assignment
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, api_key_hash, cell_id, created_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.APIKeyHash, user.CellID, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.Username, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by username
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT username, api_key_hash, cell_id, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.Username, &user.APIKeyHash, &user.CellID, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// ListUsers lists users, optionally only those assigned to cellID
func (s *SQLiteStore) ListUsers(ctx context.Context, cellID string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, api_key_hash, cell_id, created_at
		FROM users
		WHERE (? = '' OR cell_id = ?)
		ORDER BY username
	`, cellID, cellID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		user := &User{}
		if err := rows.Scan(&user.Username, &user.APIKeyHash, &user.CellID, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}
