package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// InsertMessageWithUsage creates a message and its usage row in one
// transaction. Either both rows exist afterwards or neither does.
func (s *Store) InsertMessageWithUsage(ctx context.Context, m Message) (Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	structured, err := encodeStructured(m.StructuredContent)
	if err != nil {
		return Message{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Insert("message").
			Columns("id", "room_id", "role", "user_id", "content", "structured_content", "created_at", "updated_at", "elapsed_time").
			Values(m.ID, m.RoomID, string(m.Role), nullableInt64(m.UserID), m.Content, structured, m.CreatedAt.UTC(), m.UpdatedAt.UTC(), m.ElapsedTime)
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build insert message query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert message: %w", classify(err))
		}

		m.Usage.MessageID = m.ID
		if m.Usage.CreatedAt.IsZero() {
			m.Usage.CreatedAt = m.CreatedAt
		}
		uq := s.sql.Insert("token_usage").
			Columns("message_id", "type", "count", "value", "created_at").
			Values(m.ID, string(m.Usage.Type), m.Usage.Count, m.Usage.Value, m.Usage.CreatedAt.UTC()).
			Suffix("RETURNING id")
		sqlStr, args, err = uq.ToSql()
		if err != nil {
			return fmt.Errorf("build insert usage query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&m.Usage.ID); err != nil {
			return fmt.Errorf("insert usage: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// UpdateMessageProgress rewrites a streaming message and its usage row with
// the latest accumulated state.
func (s *Store) UpdateMessageProgress(ctx context.Context, m Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Update("message").
			Set("content", m.Content).
			Set("updated_at", m.UpdatedAt.UTC()).
			Set("elapsed_time", m.ElapsedTime).
			Where(sq.Eq{"id": m.ID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build update message query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		uq := s.sql.Update("token_usage").
			Set("count", m.Usage.Count).
			Set("value", m.Usage.Value).
			Where(sq.Eq{"message_id": m.ID})
		sqlStr, args, err = uq.ToSql()
		if err != nil {
			return fmt.Errorf("build update usage query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("update usage: %w", err)
		}
		return nil
	})
}

// UpdateMessageContent replaces the content of a message without touching
// its usage row.
func (s *Store) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string, structured map[string]any, now time.Time) error {
	raw, err := encodeStructured(structured)
	if err != nil {
		return err
	}
	q := s.sql.Update("message").
		Set("content", content).
		Set("structured_content", raw).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update message content query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func messageSelect(s *Store) sq.SelectBuilder {
	return s.sql.Select(
		"m.id", "m.room_id", "m.role", "m.user_id", "m.content", "m.structured_content",
		"m.created_at", "m.updated_at", "m.elapsed_time",
		"COALESCE(u.id, 0)", "COALESCE(u.type, '')", "COALESCE(u.count, 0)", "COALESCE(u.value, 0)",
	).
		From("message m").
		LeftJoin("token_usage u ON u.message_id = m.id")
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m          Message
		role       string
		userID     sql.NullInt64
		structured sql.NullString
		usageType  string
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &role, &userID, &m.Content, &structured,
		&m.CreatedAt, &m.UpdatedAt, &m.ElapsedTime,
		&m.Usage.ID, &usageType, &m.Usage.Count, &m.Usage.Value,
	); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	if userID.Valid {
		id := userID.Int64
		m.UserID = &id
	}
	if structured.Valid && structured.String != "" {
		if err := json.Unmarshal([]byte(structured.String), &m.StructuredContent); err != nil {
			return Message{}, fmt.Errorf("decode structured content: %w", err)
		}
	}
	m.Usage.Type = UsageType(usageType)
	m.Usage.MessageID = m.ID
	return m, nil
}

// ListMessages returns the room's messages in (created_at, id) order.
func (s *Store) ListMessages(ctx context.Context, roomID uuid.UUID) ([]Message, error) {
	q := messageSelect(s).
		Where(sq.Eq{"m.room_id": roomID}).
		OrderBy("m.created_at ASC", "m.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	q := messageSelect(s).Where(sq.Eq{"m.id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build get message query: %w", err)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// CountOrphans returns messages without a usage row and usage rows without a
// message. Both are zero while the one-to-one link holds.
func (s *Store) CountOrphans(ctx context.Context) (messages int64, usages int64, err error) {
	const q1 = `SELECT COUNT(*) FROM message m WHERE NOT EXISTS (SELECT 1 FROM token_usage u WHERE u.message_id = m.id)`
	const q2 = `SELECT COUNT(*) FROM token_usage u WHERE NOT EXISTS (SELECT 1 FROM message m WHERE m.id = u.message_id)`
	if err := s.db.QueryRowContext(ctx, q1).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count orphan messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, q2).Scan(&usages); err != nil {
		return 0, 0, fmt.Errorf("count orphan usages: %w", err)
	}
	return messages, usages, nil
}

// RoomUsageTotals sums the room's usage rows per type.
func (s *Store) RoomUsageTotals(ctx context.Context, roomID uuid.UUID) (UsageTotals, error) {
	q := s.sql.Select("u.type", "COALESCE(SUM(u.count), 0)", "COALESCE(SUM(u.value), 0)").
		From("token_usage u").
		Join("message m ON m.id = u.message_id").
		Where(sq.Eq{"m.room_id": roomID}).
		GroupBy("u.type")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageTotals{}, fmt.Errorf("build usage totals query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("usage totals: %w", err)
	}
	defer rows.Close()

	var t UsageTotals
	for rows.Next() {
		var (
			typ   string
			count int64
			value float64
		)
		if err := rows.Scan(&typ, &count, &value); err != nil {
			return UsageTotals{}, fmt.Errorf("scan usage totals: %w", err)
		}
		switch UsageType(typ) {
		case UsagePrompt:
			t.PromptCount, t.PromptValue = count, value
		case UsageCompletion:
			t.CompletionCount, t.CompletionValue = count, value
		}
	}
	if err := rows.Err(); err != nil {
		return UsageTotals{}, fmt.Errorf("iterate usage totals: %w", err)
	}
	return t, nil
}

func encodeStructured(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode structured content: %w", err)
	}
	return string(b), nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
