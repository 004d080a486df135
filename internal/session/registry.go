package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomcast/internal/bus"
	"roomcast/internal/metrics"
	"roomcast/internal/presence"
	"roomcast/internal/protocol"
	"roomcast/internal/storage"
)

// Presence is the durable presence record consulted on attach and detach.
type Presence interface {
	Join(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error
	Leave(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error
	UsersInRoom(ctx context.Context, roomID uuid.UUID) ([]storage.User, error)
}

// ControlHandler receives control envelopes published on the control topic.
type ControlHandler func(ctx context.Context, roomID uuid.UUID, env protocol.Envelope)

// EmptyHook runs after the last local sink of a room is detached.
type EmptyHook func(ctx context.Context, roomID uuid.UUID)

type Config struct {
	Bus               bus.Bus
	NodeID            string
	QueueSize         int
	SlowConsumerLimit int
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
}

// Registry holds the live sinks of this process by topic. The map is guarded
// by mu and its slices are replaced, never mutated, so readers can iterate a
// snapshot without the lock. Attach and detach of one (room, user) pair are
// serialized by a keyed lock that may be held across I/O; mu never is.
type Registry struct {
	bus     bus.Bus
	nodeID  string
	opts    SinkOptions
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	byTopic  map[string][]*Sink
	// keepSeen is when a keep-streaming sink last attached to a room.
	keepSeen map[uuid.UUID]time.Time

	pairLocks  keyedMutex
	topicLocks keyedMutex

	hookMu   sync.RWMutex
	presence Presence
	control  ControlHandler
	empty    EmptyHook
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SlowConsumerLimit < 0 {
		cfg.SlowConsumerLimit = DefaultSlowConsumerLimit
	}
	r := &Registry{
		bus:    cfg.Bus,
		nodeID: cfg.NodeID,
		opts: SinkOptions{
			QueueSize:         cfg.QueueSize,
			SlowConsumerLimit: cfg.SlowConsumerLimit,
			Metrics:           cfg.Metrics,
		},
		logger:   cfg.Logger.With().Str("component", "session_registry").Logger(),
		metrics:  cfg.Metrics,
		byTopic:  map[string][]*Sink{},
		keepSeen: map[uuid.UUID]time.Time{},
	}
	if err := r.bus.Subscribe(context.Background(), protocol.ControlTopic); err != nil {
		r.logger.Warn().Err(err).Msg("subscribe control topic, restored on reconnect")
	}
	return r
}

func (r *Registry) SetPresence(p Presence) {
	r.hookMu.Lock()
	r.presence = p
	r.hookMu.Unlock()
}

func (r *Registry) SetControlHandler(h ControlHandler) {
	r.hookMu.Lock()
	r.control = h
	r.hookMu.Unlock()
}

func (r *Registry) SetEmptyHook(h EmptyHook) {
	r.hookMu.Lock()
	r.empty = h
	r.hookMu.Unlock()
}

func (r *Registry) hooks() (Presence, ControlHandler, EmptyHook) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.presence, r.control, r.empty
}

// NewSink builds a sink with the registry's queue settings.
func (r *Registry) NewSink(user protocol.Sender, room uuid.UUID, keepStreaming bool) *Sink {
	opts := r.opts
	opts.KeepStreaming = keepStreaming
	return NewSink(user, room, opts)
}

// add inserts s under topic and reports whether it is the first sink of the
// topic and the first sink of its user there.
func (r *Registry) add(topic string, s *Sink) (firstTopic, firstUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.byTopic[topic]
	firstUser = true
	for _, other := range cur {
		if other == s {
			return false, false
		}
		if other.User.ID == s.User.ID {
			firstUser = false
		}
	}
	next := make([]*Sink, len(cur), len(cur)+1)
	copy(next, cur)
	r.byTopic[topic] = append(next, s)
	if s.KeepStreaming && s.Room != uuid.Nil {
		r.noteKeepLocked(s.Room)
	}
	return len(cur) == 0, firstUser
}

func (r *Registry) remove(topic string, s *Sink) (found, lastTopic, lastUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.byTopic[topic]
	next := make([]*Sink, 0, len(cur))
	lastUser = true
	for _, other := range cur {
		if other == s {
			found = true
			continue
		}
		if other.User.ID == s.User.ID {
			lastUser = false
		}
		next = append(next, other)
	}
	if !found {
		return false, false, false
	}
	if len(next) == 0 {
		delete(r.byTopic, topic)
	} else {
		r.byTopic[topic] = next
	}
	return true, len(next) == 0, lastUser
}

func (r *Registry) snapshot(topic string) []*Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTopic[topic]
}

// Attach registers s for room, records presence and greets s with the users
// already in the room.
func (r *Registry) Attach(ctx context.Context, room uuid.UUID, s *Sink) error {
	unlock := r.pairLocks.lock(pairKey(room, s.User.ID))
	defer unlock()

	topic := protocol.RoomTopic(room)
	s.Room = room
	s.setOnSlow(r.forceDetach)
	firstUser, err := r.addAndSubscribe(ctx, topic, s)
	if err != nil {
		return err
	}
	r.metrics.SessionsActive.Inc()

	pres, _, _ := r.hooks()
	log := r.logger.With().Str("room_id", room.String()).Int64("user_id", s.User.ID).Logger()
	if firstUser && pres != nil {
		if err := pres.Join(ctx, room, s.User); err != nil {
			log.Warn().Err(err).Msg("presence join failed, session kept")
		}
	}

	for _, peer := range r.peers(ctx, room, s.User.ID) {
		if frame, err := encodeFrame(protocol.UserJoined(peer, room)); err == nil {
			s.Push(frame)
		}
	}

	if firstUser {
		if err := r.Publish(ctx, topic, s.User.ID, true, protocol.UserJoined(s.User, room)); err != nil {
			log.Warn().Err(err).Msg("announce join")
		}
	}
	log.Debug().Str("sink_id", s.ID).Msg("sink attached")
	return nil
}

// peers lists users present in room other than self. Durable presence is
// preferred; the local map is the fallback.
func (r *Registry) peers(ctx context.Context, room uuid.UUID, self int64) []protocol.Sender {
	pres, _, _ := r.hooks()
	seen := map[int64]bool{self: true}
	out := make([]protocol.Sender, 0)
	if pres != nil {
		users, err := pres.UsersInRoom(ctx, room)
		if err == nil {
			for _, u := range users {
				if seen[u.ID] {
					continue
				}
				seen[u.ID] = true
				out = append(out, protocol.Sender{ID: u.ID, Email: u.Email, Name: u.Name, Picture: u.Picture})
			}
			return out
		}
		r.logger.Warn().Err(err).Str("room_id", room.String()).Msg("load peers from presence")
	}
	for _, s := range r.snapshot(protocol.RoomTopic(room)) {
		if seen[s.User.ID] {
			continue
		}
		seen[s.User.ID] = true
		out = append(out, s.User)
	}
	return out
}

// Detach removes s from room. It is a no-op for sinks that are not attached.
func (r *Registry) Detach(ctx context.Context, room uuid.UUID, s *Sink) {
	unlock := r.pairLocks.lock(pairKey(room, s.User.ID))
	defer unlock()

	topic := protocol.RoomTopic(room)
	found, lastTopic, lastUser := r.removeAndUnsubscribe(ctx, topic, s)
	s.Close()
	if !found {
		return
	}
	r.metrics.SessionsActive.Dec()

	pres, _, empty := r.hooks()
	log := r.logger.With().Str("room_id", room.String()).Int64("user_id", s.User.ID).Logger()
	if lastUser {
		if pres != nil {
			if err := pres.Leave(ctx, room, s.User); err != nil {
				log.Warn().Err(err).Msg("presence leave failed")
			}
		}
		if err := r.Publish(ctx, topic, s.User.ID, true, protocol.UserLeft(s.User, room)); err != nil {
			log.Warn().Err(err).Msg("announce leave")
		}
	}
	if lastTopic && empty != nil {
		empty(ctx, room)
	}
	log.Debug().Str("sink_id", s.ID).Bool("slow", s.Slow()).Msg("sink detached")
}

// AttachPresence registers s on the global presence topic.
func (r *Registry) AttachPresence(ctx context.Context, s *Sink) error {
	s.Room = uuid.Nil
	s.setOnSlow(r.forceDetach)
	if _, err := r.addAndSubscribe(ctx, protocol.PresenceTopic, s); err != nil {
		return err
	}
	r.metrics.SessionsActive.Inc()
	return nil
}

func (r *Registry) DetachPresence(ctx context.Context, s *Sink) {
	found, _, _ := r.removeAndUnsubscribe(ctx, protocol.PresenceTopic, s)
	s.Close()
	if found {
		r.metrics.SessionsActive.Dec()
	}
}

// addAndSubscribe and removeAndUnsubscribe hold the topic lock so bus
// subscription changes of one topic apply in the order the map changed.
func (r *Registry) addAndSubscribe(ctx context.Context, topic string, s *Sink) (firstUser bool, err error) {
	unlock := r.topicLocks.lock(topic)
	defer unlock()
	firstTopic, firstUser := r.add(topic, s)
	if firstTopic {
		if err := r.bus.Subscribe(ctx, topic); err != nil {
			r.remove(topic, s)
			return false, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return firstUser, nil
}

func (r *Registry) removeAndUnsubscribe(ctx context.Context, topic string, s *Sink) (found, lastTopic, lastUser bool) {
	unlock := r.topicLocks.lock(topic)
	defer unlock()
	found, lastTopic, lastUser = r.remove(topic, s)
	if found && lastTopic {
		if err := r.bus.Unsubscribe(ctx, topic); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe")
		}
	}
	return found, lastTopic, lastUser
}

func (r *Registry) forceDetach(s *Sink) {
	r.metrics.SinksForceClosed.Inc()
	r.logger.Warn().Str("sink_id", s.ID).Int64("user_id", s.User.ID).Str("room_id", s.Room.String()).Msg("slow consumer, detaching sink")
	// Push may be running inside a broadcast; detach on a fresh goroutine so
	// the pair lock is never taken from the delivery path.
	go func() {
		ctx := context.Background()
		if s.Room == uuid.Nil {
			r.DetachPresence(ctx, s)
			return
		}
		r.Detach(ctx, s.Room, s)
	}()
}

// Publish delivers frame to local sinks of topic and hands it to the bus.
// With skipSender the sinks of sender do not receive it.
func (r *Registry) Publish(ctx context.Context, topic string, sender int64, skipSender bool, frame any) error {
	env, err := protocol.NewEnvelope(sender, frame)
	if err != nil {
		return err
	}
	env.Origin = r.nodeID
	env.SkipSender = skipSender
	if room, ok := protocol.ParseRoomTopic(topic); ok {
		env.Room = room.String()
	}
	r.deliver(topic, env)
	return r.publishBus(ctx, topic, env)
}

// PublishControl sends a control envelope about room to other processes only.
// It rides the control topic so processes without local sinks of room still
// receive it.
func (r *Registry) PublishControl(ctx context.Context, room uuid.UUID, sender int64, control string) error {
	env := protocol.Envelope{Origin: r.nodeID, Sender: sender, Control: control, Room: room.String()}
	return r.publishBus(ctx, protocol.ControlTopic, env)
}

func (r *Registry) publishBus(ctx context.Context, topic string, env protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// BroadcastLocal sends frame to every local sink of room.
func (r *Registry) BroadcastLocal(room uuid.UUID, frame any) error {
	env, err := protocol.NewEnvelope(0, frame)
	if err != nil {
		return err
	}
	r.deliver(protocol.RoomTopic(room), env)
	return nil
}

func (r *Registry) deliver(topic string, env protocol.Envelope) {
	if len(env.Frame) == 0 {
		return
	}
	for _, s := range r.snapshot(topic) {
		if env.SkipSender && s.User.ID == env.Sender {
			continue
		}
		s.Push(env.Frame)
	}
}

// OnBusMessage routes a payload received from the bus. Envelopes published by
// this process were already delivered locally.
func (r *Registry) OnBusMessage(ctx context.Context, msg bus.Message) {
	env, err := protocol.DecodeEnvelope(msg.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("drop malformed bus payload")
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	if env.Control != "" {
		r.onControl(ctx, env)
		return
	}
	r.deliver(msg.Topic, env)
}

func (r *Registry) onControl(ctx context.Context, env protocol.Envelope) {
	room, err := uuid.Parse(env.Room)
	if err != nil {
		r.logger.Warn().Str("control", env.Control).Str("room", env.Room).Msg("drop control without room")
		return
	}
	pres, control, _ := r.hooks()
	if env.Control == protocol.ControlPresenceRefresh {
		if pres == nil {
			return
		}
		for _, s := range r.snapshot(protocol.RoomTopic(room)) {
			if s.User.ID != env.Sender {
				continue
			}
			if err := pres.Join(ctx, room, s.User); err != nil {
				r.logger.Warn().Err(err).Str("room_id", room.String()).Int64("user_id", env.Sender).Msg("refresh presence")
			}
			return
		}
		return
	}
	if control != nil {
		control(ctx, room, env)
	}
}

// Run consumes bus messages until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	msgs := r.bus.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.OnBusMessage(ctx, msg)
		}
	}
}

func (r *Registry) LocalSinks(room uuid.UUID) []*Sink {
	return r.snapshot(protocol.RoomTopic(room))
}

func (r *Registry) HoldsUser(room uuid.UUID, userID int64) bool {
	for _, s := range r.snapshot(protocol.RoomTopic(room)) {
		if s.User.ID == userID {
			return true
		}
	}
	return false
}

// KeepStreaming reports whether any local sink of room asked for turns to
// continue when the room empties.
func (r *Registry) KeepStreaming(room uuid.UUID) bool {
	for _, s := range r.snapshot(protocol.RoomTopic(room)) {
		if s.KeepStreaming {
			return true
		}
	}
	return false
}

// keepMemory bounds how long a detached keep-streaming sink is remembered.
const keepMemory = time.Hour

// KeepStreamingSince reports whether a local sink of room that asked for turns
// to continue is attached now or attached at or after since, even if it has
// left again.
func (r *Registry) KeepStreamingSince(room uuid.UUID, since time.Time) bool {
	if r.KeepStreaming(room) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.keepSeen[room]
	return ok && !seen.Before(since)
}

// noteKeepLocked records a keep-streaming attach and forgets old ones.
// r.mu must be held.
func (r *Registry) noteKeepLocked(room uuid.UUID) {
	now := time.Now()
	for id, at := range r.keepSeen {
		if now.Sub(at) > keepMemory {
			delete(r.keepSeen, id)
		}
	}
	r.keepSeen[room] = now
}

// LocalPairs lists the (room, user) pairs held by this process.
func (r *Registry) LocalPairs() []presence.Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]presence.Pair, 0)
	for topic, sinks := range r.byTopic {
		room, ok := protocol.ParseRoomTopic(topic)
		if !ok {
			continue
		}
		seen := map[int64]bool{}
		for _, s := range sinks {
			if seen[s.User.ID] {
				continue
			}
			seen[s.User.ID] = true
			out = append(out, presence.Pair{RoomID: room, UserID: s.User.ID})
		}
	}
	return out
}

func encodeFrame(frame any) ([]byte, error) {
	env, err := protocol.NewEnvelope(0, frame)
	if err != nil {
		return nil, err
	}
	return env.Frame, nil
}

func pairKey(room uuid.UUID, userID int64) string {
	return room.String() + "/" + strconv.FormatInt(userID, 10)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
