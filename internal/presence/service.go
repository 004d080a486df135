// Package presence keeps the durable record of which users are active in
// which room and announces changes on the presence topic.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
	"roomcast/internal/protocol"
	"roomcast/internal/queue"
	"roomcast/internal/storage"
)

// Store is the subset of storage.Store presence needs.
type Store interface {
	UpsertPresence(ctx context.Context, roomID uuid.UUID, userID int64, nodeID string, now time.Time) error
	DeletePresence(ctx context.Context, roomID uuid.UUID, userID int64, nodeID string) (bool, error)
	DeleteStalePresence(ctx context.Context, roomID uuid.UUID, staleBefore time.Time, nodeID string, nodeStarted time.Time) (int64, error)
	UsersInRoom(ctx context.Context, roomID uuid.UUID) ([]storage.User, error)
	SweepStalePresence(ctx context.Context, staleBefore time.Time) ([]uuid.UUID, error)
}

// Publisher delivers a frame to local sinks of topic and to the bus, and
// control envelopes to the other processes.
type Publisher interface {
	Publish(ctx context.Context, topic string, sender int64, skipSender bool, frame any) error
	PublishControl(ctx context.Context, roomID uuid.UUID, sender int64, control string) error
}

// Holder reports whether this process currently holds a session of user in
// room.
type Holder interface {
	HoldsUser(roomID uuid.UUID, userID int64) bool
}

type ReconcileQueue interface {
	Enqueue(ctx context.Context, job queue.ReconcileJob) (string, error)
}

// Pair is one (room, user) presence entry.
type Pair struct {
	RoomID uuid.UUID
	UserID int64
}

type Config struct {
	Store     Store
	Publisher Publisher
	Holder    Holder
	// Queue is optional. Without it failed writes are repaired by the next
	// heartbeat.
	Queue     ReconcileQueue
	NodeID    string
	StartedAt time.Time
	Heartbeat time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Service struct {
	store     Store
	publisher Publisher
	holder    Holder
	queue     ReconcileQueue
	nodeID    string
	startedAt time.Time
	heartbeat time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	return &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		holder:    cfg.Holder,
		queue:     cfg.Queue,
		nodeID:    cfg.NodeID,
		startedAt: cfg.StartedAt.UTC(),
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger.With().Str("component", "presence").Logger(),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// SetPublisher and SetHolder break the construction cycle with the session
// registry.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }
func (s *Service) SetHolder(h Holder)       { s.holder = h }

// Join records user in room. A vanished room is not an error. Other write
// failures are scheduled for reconciliation and returned for logging; the
// caller keeps the session either way.
func (s *Service) Join(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error {
	err := s.store.UpsertPresence(ctx, roomID, user.ID, s.nodeID, s.now())
	if errors.Is(err, storage.ErrForeignKey) {
		s.logger.Debug().Str("room_id", roomID.String()).Int64("user_id", user.ID).Msg("room or user vanished while joining")
		return nil
	}
	if err != nil {
		s.scheduleReconcile(ctx, roomID, user.ID, "join")
	}
	s.announce(ctx, roomID, user, protocol.UserJoined(user, roomID))
	return err
}

// Leave removes the row of user in room if this node refreshed it last. A row
// owned by another node means the user is still present there and is kept.
// After a delete, other nodes are asked to re-record the user if they still
// hold a session of it.
func (s *Service) Leave(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error {
	deleted, err := s.store.DeletePresence(ctx, roomID, user.ID, s.nodeID)
	if err != nil {
		s.scheduleReconcile(ctx, roomID, user.ID, "leave")
		s.announce(ctx, roomID, user, protocol.UserLeft(user, roomID))
		return err
	}
	if !deleted {
		return nil
	}
	s.announce(ctx, roomID, user, protocol.UserLeft(user, roomID))
	if s.publisher != nil {
		if err := s.publisher.PublishControl(ctx, roomID, user.ID, protocol.ControlPresenceRefresh); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("ask holders to refresh presence")
		}
	}
	return nil
}

func (s *Service) announce(ctx context.Context, roomID uuid.UUID, user protocol.Sender, frame protocol.PresenceFrame) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, protocol.PresenceTopic, user.ID, false, frame); err != nil {
		s.logger.Warn().Err(err).Str("type", frame.Type).Msg("publish presence frame")
	}
	if err := s.publisher.Publish(ctx, protocol.PresenceTopic, user.ID, false, protocol.RoomChanged(roomID, "presence")); err != nil {
		s.logger.Warn().Err(err).Msg("publish room_changed")
	}
}

func (s *Service) scheduleReconcile(ctx context.Context, roomID uuid.UUID, userID int64, reason string) {
	log := s.logger.With().Str("room_id", roomID.String()).Int64("user_id", userID).Str("reason", reason).Logger()
	if s.queue == nil {
		log.Warn().Msg("presence write failed, heartbeat will repair it")
		return
	}
	_, err := s.queue.Enqueue(context.WithoutCancel(ctx), queue.ReconcileJob{
		NodeID: s.nodeID,
		RoomID: roomID.String(),
		UserID: userID,
		Reason: reason,
	})
	if err != nil {
		log.Error().Err(err).Msg("enqueue presence reconciliation")
		return
	}
	s.metrics.ReconcileEnqueued.Inc()
}

// StaleBefore is the oldest updated_at a live row may carry.
func (s *Service) StaleBefore() time.Time {
	return s.now().UTC().Add(-2 * s.heartbeat)
}

// UsersInRoom clears stale rows of the room, then returns its users.
func (s *Service) UsersInRoom(ctx context.Context, roomID uuid.UUID) ([]storage.User, error) {
	n, err := s.store.DeleteStalePresence(ctx, roomID, s.StaleBefore(), s.nodeID, s.startedAt)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("clear stale presence")
	} else if n > 0 {
		s.logger.Info().Int64("rows", n).Str("room_id", roomID.String()).Msg("cleared stale presence")
	}
	users, err := s.store.UsersInRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("users in room: %w", err)
	}
	return users, nil
}

// CountByRoom is the number of users with a live presence row in room.
func (s *Service) CountByRoom(ctx context.Context, roomID uuid.UUID) (int, error) {
	users, err := s.UsersInRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Heartbeat refreshes every pair this process holds and returns the number
// of failed writes.
func (s *Service) Heartbeat(ctx context.Context, pairs []Pair) int {
	failed := 0
	now := s.now()
	for _, p := range pairs {
		err := s.store.UpsertPresence(ctx, p.RoomID, p.UserID, s.nodeID, now)
		if err != nil && !errors.Is(err, storage.ErrForeignKey) {
			failed++
			s.logger.Warn().Err(err).Str("room_id", p.RoomID.String()).Int64("user_id", p.UserID).Msg("presence heartbeat")
		}
	}
	return failed
}

// Reconcile re-applies the state this process currently holds for the job's
// pair.
func (s *Service) Reconcile(ctx context.Context, job queue.ReconcileJob) error {
	roomID, err := uuid.Parse(job.RoomID)
	if err != nil {
		return fmt.Errorf("parse room id: %w", err)
	}
	if s.holder != nil && s.holder.HoldsUser(roomID, job.UserID) {
		err = s.store.UpsertPresence(ctx, roomID, job.UserID, s.nodeID, s.now())
		if errors.Is(err, storage.ErrForeignKey) {
			return nil
		}
	} else {
		_, err = s.store.DeletePresence(ctx, roomID, job.UserID, s.nodeID)
	}
	if err != nil {
		return err
	}
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, protocol.PresenceTopic, job.UserID, false, protocol.RoomChanged(roomID, "presence"))
	}
	return nil
}

// Sweep removes presence rows of every room that no node refreshed within
// two heartbeats, such as rows left by a crashed node, and announces the
// affected rooms.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	rooms, err := s.store.SweepStalePresence(ctx, s.StaleBefore())
	if err != nil {
		return 0, err
	}
	for _, id := range rooms {
		if s.publisher == nil {
			break
		}
		if err := s.publisher.Publish(ctx, protocol.PresenceTopic, 0, false, protocol.RoomChanged(id, "presence")); err != nil {
			s.logger.Warn().Err(err).Str("room_id", id.String()).Msg("publish room_changed")
		}
	}
	if len(rooms) > 0 {
		s.logger.Info().Int("rooms", len(rooms)).Msg("swept stale presence")
	}
	return len(rooms), nil
}

// StartSweeper runs Sweep every heartbeat until ctx is done.
func (s *Service) StartSweeper(ctx context.Context) (*cron.Cron, error) {
	return s.schedule(ctx, func(runCtx context.Context) {
		if _, err := s.Sweep(runCtx); err != nil {
			s.logger.Warn().Err(err).Msg("presence sweep")
		}
	})
}

// StartHeartbeat runs Heartbeat on a cron schedule until ctx is done.
func (s *Service) StartHeartbeat(ctx context.Context, pairs func() []Pair) (*cron.Cron, error) {
	return s.schedule(ctx, func(runCtx context.Context) {
		if failed := s.Heartbeat(runCtx, pairs()); failed > 0 {
			s.logger.Warn().Int("failed", failed).Msg("presence heartbeat incomplete")
		}
	})
}

func (s *Service) schedule(ctx context.Context, run func(context.Context)) (*cron.Cron, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.heartbeat)
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		defer cancel()
		run(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule presence job: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
