package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutItem creates or overwrites a user's key in a cell
func (s *SQLiteStore) PutItem(ctx context.Context, item *Item) error {
	item.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO items (cell_id, username, item_key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cell_id, username, item_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		item.CellID, item.Username, item.Key, item.Value, item.UpdatedAt); err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}

	return nil
}

// GetItem retrieves a user's key in a cell
func (s *SQLiteStore) GetItem(ctx context.Context, cellID, username, key string) (*Item, error) {
	item := &Item{}
	err := s.db.QueryRowContext(ctx, `
		SELECT cell_id, username, item_key, value, updated_at
		FROM items
		WHERE cell_id = ? AND username = ? AND item_key = ?
	`, cellID, username, key).Scan(&item.CellID, &item.Username, &item.Key, &item.Value, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return item, nil
}

// DeleteItem removes a user's key in a cell. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteItem(ctx context.Context, cellID, username, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE cell_id = ? AND username = ? AND item_key = ?`,
		cellID, username, key); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	return nil
}

// ListItems lists a user's keys in a cell
func (s *SQLiteStore) ListItems(ctx context.Context, cellID, username string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id, username, item_key, value, updated_at
		FROM items
		WHERE cell_id = ? AND username = ?
		ORDER BY item_key
	`, cellID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		item := &Item{}
		if err := rows.Scan(&item.CellID, &item.Username, &item.Key, &item.Value, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}
