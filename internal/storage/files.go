package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func (s *Store) CreateUserFile(ctx context.Context, f UserFile) (UserFile, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.UpdatedAt.Before(f.CreatedAt) {
		f.UpdatedAt = f.CreatedAt
	}
	q := s.sql.Insert("user_file").
		Columns("id", "user_id", "name", "source_url", "content", "optimized_content", "created_at", "updated_at").
		Values(f.ID, f.UserID, f.Name, f.SourceURL, f.Content, f.OptimizedContent, f.CreatedAt.UTC(), f.UpdatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserFile{}, fmt.Errorf("build create file query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return UserFile{}, fmt.Errorf("create file: %w", classify(err))
	}
	return f, nil
}

func (s *Store) GetUserFile(ctx context.Context, id uuid.UUID) (UserFile, error) {
	q := s.sql.Select("id", "user_id", "name", "source_url", "content", "optimized_content", "created_at", "updated_at").
		From("user_file").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserFile{}, fmt.Errorf("build get file query: %w", err)
	}
	var f UserFile
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&f.ID, &f.UserID, &f.Name, &f.SourceURL, &f.Content, &f.OptimizedContent, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserFile{}, ErrNotFound
		}
		return UserFile{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// UpdateUserFileContent stores fresh content together with its optimized form
// in a single statement.
func (s *Store) UpdateUserFileContent(ctx context.Context, id uuid.UUID, content, optimized string, now time.Time) error {
	q := s.sql.Update("user_file").
		Set("content", content).
		Set("optimized_content", optimized).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update file query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateAnnotation(ctx context.Context, a Annotation) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("annotation id is empty")
	}
	q := s.sql.Insert("annotation").
		Columns("id", "exact", "prefix", "suffix", "source").
		Values(a.ID, a.Exact, a.Prefix, a.Suffix, a.Source).
		Suffix("ON CONFLICT(id) DO UPDATE SET exact = excluded.exact, prefix = excluded.prefix, suffix = excluded.suffix, source = excluded.source")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create annotation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create annotation: %w", classify(err))
	}
	return nil
}

// GetAnnotations resolves ids to annotations; unknown ids are skipped and
// the result keeps the order of ids.
func (s *Store) GetAnnotations(ctx context.Context, ids []string) ([]Annotation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := s.sql.Select("id", "exact", "prefix", "suffix", "source").
		From("annotation").
		Where(sq.Eq{"id": ids})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get annotations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get annotations: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Annotation, len(ids))
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ID, &a.Exact, &a.Prefix, &a.Suffix, &a.Source); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}

	out := make([]Annotation, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
