package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	q := s.sql.Insert("users").
		Columns("id", "email", "name", "picture", "is_admin").
		Values(u.ID, u.Email, u.Name, u.Picture, u.IsAdmin).
		Suffix("ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name, picture=excluded.picture, is_admin=excluded.is_admin")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert user: %w", classify(err))
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	q := s.sql.Select("id", "email", "name", "picture", "is_admin").
		From("users").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}
	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.IsAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateOrganization(ctx context.Context, id uuid.UUID, name string) error {
	q := s.sql.Insert("organization").Columns("id", "name").Values(id, name)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create organization query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create organization: %w", classify(err))
	}
	return nil
}

func (s *Store) AddOrganizationMember(ctx context.Context, orgID uuid.UUID, userID int64) error {
	q := s.sql.Insert("organization_member").
		Columns("organization_id", "user_id").
		Values(orgID, userID).
		Suffix("ON CONFLICT(organization_id, user_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add member query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add organization member: %w", classify(err))
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, r Room) (Room, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Visibility == "" {
		r.Visibility = VisibilityPrivate
	}
	if r.Visibility == VisibilityOrganization && r.OrganizationID == nil {
		return Room{}, fmt.Errorf("organization room requires an organization")
	}
	if r.Name == "" {
		r.Name = DefaultRoomName
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		r.UpdatedAt = r.CreatedAt
	}

	q := s.sql.Insert("room").
		Columns("id", "name", "owner_id", "visibility", "share", "organization_id", "created_at", "updated_at").
		Values(r.ID, r.Name, r.OwnerID, string(r.Visibility), r.Share, nullableUUID(r.OrganizationID), r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Room{}, fmt.Errorf("build create room query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Room{}, fmt.Errorf("create room: %w", classify(err))
	}
	return r, nil
}

var roomColumns = []string{"r.id", "r.name", "r.owner_id", "r.visibility", "r.share", "r.organization_id", "r.created_at", "r.updated_at"}

func scanRoom(row interface{ Scan(...any) error }, extra ...any) (Room, error) {
	var r Room
	var visibility string
	var orgID sql.NullString
	dest := append([]any{&r.ID, &r.Name, &r.OwnerID, &visibility, &r.Share, &orgID, &r.CreatedAt, &r.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Room{}, err
	}
	r.Visibility = Visibility(visibility)
	if orgID.Valid && orgID.String != "" {
		id, err := uuid.Parse(orgID.String)
		if err != nil {
			return Room{}, fmt.Errorf("parse organization id: %w", err)
		}
		r.OrganizationID = &id
	}
	return r, nil
}

// visibleTo is the read rule: owner, or a shared organization room of one of
// the user's organizations.
func visibleTo(userID int64) sq.Sqlizer {
	return sq.Or{
		sq.Eq{"r.owner_id": userID},
		sq.And{
			sq.Eq{"r.share": true},
			sq.Eq{"r.visibility": string(VisibilityOrganization)},
			sq.Expr("r.organization_id IN (SELECT organization_id FROM organization_member WHERE user_id = ?)", userID),
		},
	}
}

func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (Room, error) {
	q := s.sql.Select(roomColumns...).From("room r").Where(sq.Eq{"r.id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Room{}, fmt.Errorf("build get room query: %w", err)
	}
	r, err := scanRoom(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

// GetRoomForUser returns ErrNotFound both for missing rooms and for rooms
// the user may not read.
func (s *Store) GetRoomForUser(ctx context.Context, id uuid.UUID, userID int64) (Room, error) {
	q := s.sql.Select(roomColumns...).
		From("room r").
		Where(sq.And{sq.Eq{"r.id": id}, visibleTo(userID)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Room{}, fmt.Errorf("build get room for user query: %w", err)
	}
	r, err := scanRoom(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("get room for user: %w", err)
	}
	return r, nil
}

// ListRoomsForUser returns readable rooms ordered by active user count, then
// rooms the user is present in, then most recently updated.
func (s *Store) ListRoomsForUser(ctx context.Context, userID int64) ([]RoomListing, error) {
	q := s.sql.Select(roomColumns...).
		Column("(SELECT COUNT(*) FROM active_room_user p WHERE p.room_id = r.id) AS active_users").
		Column(sq.Expr("(SELECT COUNT(*) FROM active_room_user p WHERE p.room_id = r.id AND p.user_id = ?) AS user_present", userID)).
		From("room r").
		Where(visibleTo(userID)).
		OrderBy("active_users DESC", "user_present DESC", "r.updated_at DESC", "r.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list rooms query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	out := make([]RoomListing, 0)
	for rows.Next() {
		var active, present int64
		r, err := scanRoom(rows, &active, &present)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, RoomListing{Room: r, ActiveUsers: int(active), UserPresent: present > 0})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

// RenameRoomIfDefault sets the room name only while it still has the default
// name, so concurrent title generation renames a room at most once.
func (s *Store) RenameRoomIfDefault(ctx context.Context, id uuid.UUID, name string, now time.Time) (bool, error) {
	q := s.sql.Update("room").
		Set("name", name).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.Or{sq.Eq{"name": DefaultRoomName}, sq.Eq{"name": ""}})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build rename room query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("rename room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename room rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) TouchRoom(ctx context.Context, id uuid.UUID, now time.Time) error {
	q := s.sql.Update("room").Set("updated_at", now.UTC()).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch room query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	q := s.sql.Delete("room").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete room query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
