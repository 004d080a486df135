package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// UpsertPresence records that user is active in room on node. A repeated
// call refreshes node_id and updated_at and keeps created_at.
func (s *Store) UpsertPresence(ctx context.Context, roomID uuid.UUID, userID int64, nodeID string, now time.Time) error {
	now = now.UTC()
	q := s.sql.Insert("active_room_user").
		Columns("room_id", "user_id", "node_id", "created_at", "updated_at").
		Values(roomID, userID, nodeID, now, now).
		Suffix("ON CONFLICT(room_id, user_id) DO UPDATE SET node_id = excluded.node_id, updated_at = excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert presence query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert presence: %w", classify(err))
	}
	return nil
}

// DeletePresence removes the row of user in room when nodeID last refreshed
// it. An empty nodeID matches any node. It reports whether a row was removed.
func (s *Store) DeletePresence(ctx context.Context, roomID uuid.UUID, userID int64, nodeID string) (bool, error) {
	where := sq.Eq{"room_id": roomID, "user_id": userID}
	if nodeID != "" {
		where["node_id"] = nodeID
	}
	sqlStr, args, err := s.sql.Delete("active_room_user").Where(where).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete presence query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("delete presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete presence rows: %w", err)
	}
	return n > 0, nil
}

// DeleteStalePresence removes the room's rows not refreshed since staleBefore
// and rows of nodeID written before that node started.
func (s *Store) DeleteStalePresence(ctx context.Context, roomID uuid.UUID, staleBefore time.Time, nodeID string, nodeStarted time.Time) (int64, error) {
	q := s.sql.Delete("active_room_user").
		Where(sq.Eq{"room_id": roomID}).
		Where(sq.Or{
			sq.Lt{"updated_at": staleBefore.UTC()},
			sq.And{sq.Eq{"node_id": nodeID}, sq.Lt{"updated_at": nodeStarted.UTC()}},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete stale presence query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepStalePresence removes rows of every room not refreshed since
// staleBefore and returns the affected rooms.
func (s *Store) SweepStalePresence(ctx context.Context, staleBefore time.Time) ([]uuid.UUID, error) {
	q := s.sql.Delete("active_room_user").
		Where(sq.Lt{"updated_at": staleBefore.UTC()}).
		Suffix("RETURNING room_id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sweep presence query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}
	defer rows.Close()

	seen := map[uuid.UUID]bool{}
	var rooms []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept room: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			rooms = append(rooms, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept rooms: %w", err)
	}
	return rooms, nil
}

// UsersInRoom joins the room's presence rows with users.
func (s *Store) UsersInRoom(ctx context.Context, roomID uuid.UUID) ([]User, error) {
	q := s.sql.Select("u.id", "u.email", "u.name", "u.picture", "u.is_admin").
		From("active_room_user p").
		Join("users u ON u.id = p.user_id").
		Where(sq.Eq{"p.room_id": roomID}).
		OrderBy("p.created_at ASC", "u.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build users in room query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("users in room: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.IsAdmin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func (s *Store) CountPresence(ctx context.Context, roomID uuid.UUID) (int, error) {
	q := s.sql.Select("COUNT(*)").From("active_room_user").Where(sq.Eq{"room_id": roomID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count presence query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return n, nil
}

// ListPresence returns raw presence rows of a room.
func (s *Store) ListPresence(ctx context.Context, roomID uuid.UUID) ([]Presence, error) {
	q := s.sql.Select("room_id", "user_id", "node_id", "created_at", "updated_at").
		From("active_room_user").
		Where(sq.Eq{"room_id": roomID}).
		OrderBy("user_id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list presence query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	out := make([]Presence, 0)
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.NodeID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}
