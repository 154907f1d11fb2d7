package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// HashContent returns the SHA256 hex digest used to version templates and detect drift.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// PutTemplate stores content as the next template version. When the content
// matches the latest version, that version is returned and nothing is written.
func (s *SQLiteStore) PutTemplate(ctx context.Context, content string) (*Template, error) {
	hash := HashContent(content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest := &Template{}
	err = tx.QueryRowContext(ctx,
		`SELECT version, content, hash, created_at FROM templates ORDER BY version DESC LIMIT 1`,
	).Scan(&latest.Version, &latest.Content, &latest.Hash, &latest.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		latest = nil
	case err != nil:
		return nil, fmt.Errorf("failed to read latest template: %w", err)
	case latest.Hash == hash:
		return latest, nil
	}

	tmpl := &Template{
		Version:   1,
		Content:   content,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if latest != nil {
		tmpl.Version = latest.Version + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO templates (version, content, hash, created_at) VALUES (?, ?, ?, ?)`,
		tmpl.Version, tmpl.Content, tmpl.Hash, tmpl.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit template: %w", err)
	}

	return tmpl, nil
}

// GetTemplate retrieves a template version
func (s *SQLiteStore) GetTemplate(ctx context.Context, version int) (*Template, error) {
	tmpl := &Template{}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, content, hash, created_at FROM templates WHERE version = ?`, version,
	).Scan(&tmpl.Version, &tmpl.Content, &tmpl.Hash, &tmpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template version %d: %w", version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return tmpl, nil
}

// LatestTemplate retrieves the newest template version
func (s *SQLiteStore) LatestTemplate(ctx context.Context) (*Template, error) {
	tmpl := &Template{}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, content, hash, created_at FROM templates ORDER BY version DESC LIMIT 1`,
	).Scan(&tmpl.Version, &tmpl.Content, &tmpl.Hash, &tmpl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest template: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest template: %w", err)
	}

	return tmpl, nil
}

// ListTemplates lists template versions without their content, newest first
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, hash, created_at FROM templates ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*Template{}
	for rows.Next() {
		tmpl := &Template{}
		if err := rows.Scan(&tmpl.Version, &tmpl.Hash, &tmpl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

// SaveStack creates or updates a stack
func (s *SQLiteStore) SaveStack(ctx context.Context, stack *Stack) error {
	now := time.Now().UTC()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	stack.UpdatedAt = now

	params, err := json.Marshal(nonNil(stack.Parameters))
	if err != nil {
		return fmt.Errorf("failed to encode stack parameters: %w", err)
	}
	outputs, err := json.Marshal(nonNil(stack.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode stack outputs: %w", err)
	}

	query := `
		INSERT INTO stacks (stack_name, kind, status, parameters, outputs, template_version, template_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_name) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			parameters = excluded.parameters,
			outputs = excluded.outputs,
			template_version = excluded.template_version,
			template_hash = excluded.template_hash,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		stack.Name,
		stack.Kind,
		stack.Status,
		string(params),
		string(outputs),
		stack.TemplateVersion,
		stack.TemplateHash,
		stack.CreatedAt,
		stack.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save stack: %w", err)
	}

	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

const stackColumns = `stack_name, kind, status, parameters, outputs, template_version, template_hash, created_at, updated_at`

func scanStack(row interface{ Scan(...any) error }) (*Stack, error) {
	stack := &Stack{}
	var params, outputs string
	err := row.Scan(
		&stack.Name,
		&stack.Kind,
		&stack.Status,
		&params,
		&outputs,
		&stack.TemplateVersion,
		&stack.TemplateHash,
		&stack.CreatedAt,
		&stack.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &stack.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode stack parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &stack.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode stack outputs: %w", err)
	}
	return stack, nil
}

// GetStack retrieves a stack by name
func (s *SQLiteStore) GetStack(ctx context.Context, name string) (*Stack, error) {
	stack, err := scanStack(s.db.QueryRowContext(ctx, `SELECT `+stackColumns+` FROM stacks WHERE stack_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stack %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}

	return stack, nil
}

// ListStacks lists stacks, optionally of one kind
func (s *SQLiteStore) ListStacks(ctx context.Context, kind string) ([]*Stack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stackColumns+` FROM stacks WHERE (? = '' OR kind = ?) ORDER BY stack_name`, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*Stack{}
	for rows.Next() {
		stack, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, stack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	return stacks, nil
}

// DeleteStack removes a stack
func (s *SQLiteStore) DeleteStack(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stacks WHERE stack_name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete stack: %w", err)
	}

	return checkAffected(result, "stack", name)
}
