// Package turn runs assistant turns: it records the user's message, streams
// the provider's answer to every session of the room and persists it as it
// grows.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"roomcast/internal/accounting"
	"roomcast/internal/metrics"
	"roomcast/internal/protocol"
	"roomcast/internal/providers"
	"roomcast/internal/storage"
)

var (
	ErrInvalidPrompt = errors.New("prompt must be non-empty and at most 32000 characters")
	ErrRateLimited   = errors.New("too many messages in this room, try again later")

	ErrStopped     = errors.New("stopped by user")
	ErrRoomEmpty   = errors.New("room has no sessions left")
	ErrTurnTimeout = errors.New("turn timed out")
)

const MaxPromptRunes = 32000

type Store interface {
	AnnotationResolver
	GetRoom(ctx context.Context, id uuid.UUID) (storage.Room, error)
	ListMessages(ctx context.Context, roomID uuid.UUID) ([]storage.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (storage.Message, error)
	InsertMessageWithUsage(ctx context.Context, m storage.Message) (storage.Message, error)
	UpdateMessageProgress(ctx context.Context, m storage.Message) error
	UpdateMessageContent(ctx context.Context, id uuid.UUID, content string, structured map[string]any, now time.Time) error
	RenameRoomIfDefault(ctx context.Context, id uuid.UUID, name string, now time.Time) (bool, error)
	TouchRoom(ctx context.Context, id uuid.UUID, now time.Time) error
	CreateAnnotation(ctx context.Context, a storage.Annotation) error
}

// Publisher fans frames out to sessions. *session.Registry implements it.
type Publisher interface {
	FramePublisher
	PublishControl(ctx context.Context, room uuid.UUID, sender int64, control string) error
	KeepStreaming(room uuid.UUID) bool
	KeepStreamingSince(room uuid.UUID, since time.Time) bool
}

// Occupancy reports how many users are present in a room across processes.
type Occupancy interface {
	CountByRoom(ctx context.Context, roomID uuid.UUID) (int, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, roomID string, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

// Lease serializes turns of a room across processes.
type Lease interface {
	Acquire(ctx context.Context, roomID, token string) error
	Release(ctx context.Context, roomID, token string) error
}

type Config struct {
	Store      Store
	Publisher  Publisher
	Provider   providers.Provider
	Accountant *accounting.Accountant
	// Files, Occupancy, RateLimiter and Lease are optional.
	Files       Expander
	Occupancy   Occupancy
	RateLimiter RateLimiter
	Lease       Lease

	Model                  string
	SystemPrompt           string
	Timeout                time.Duration
	TitleTimeout           time.Duration
	KeepStreamingWhenEmpty bool
	APIInfo                bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Options adjust a single turn.
type Options struct {
	Model string
}

type activeTurn struct {
	id            string
	user          protocol.Sender
	started       time.Time
	cancel        context.CancelCauseFunc
	keepStreaming bool
}

type Orchestrator struct {
	store       Store
	publisher   Publisher
	provider    providers.Provider
	accountant  *accounting.Accountant
	files       Expander
	occupancy   Occupancy
	rateLimiter RateLimiter
	lease       Lease

	model          string
	timeout        time.Duration
	titleTimeout   time.Duration
	keepWhenEmpty  bool
	apiInfoEnabled bool
	history        historyBuilder

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks  *roomLocks
	mu     sync.Mutex
	active map[uuid.UUID]*activeTurn
}

func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		provider:       cfg.Provider,
		accountant:     cfg.Accountant,
		files:          cfg.Files,
		occupancy:      cfg.Occupancy,
		rateLimiter:    cfg.RateLimiter,
		lease:          cfg.Lease,
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		titleTimeout:   cfg.TitleTimeout,
		keepWhenEmpty:  cfg.KeepStreamingWhenEmpty,
		apiInfoEnabled: cfg.APIInfo,
		history:        historyBuilder{system: cfg.SystemPrompt, annotations: cfg.Store, files: cfg.Files},
		logger:         cfg.Logger.With().Str("component", "turn").Logger(),
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		locks:          newRoomLocks(),
		active:         map[uuid.UUID]*activeTurn{},
	}
}

// HandleUserTurn records prompt as user's message in room, broadcasts it and
// streams the assistant's answer. Turns of one room run one at a time.
//
// ErrInvalidPrompt, ErrRateLimited and ErrLockTimeout are returned before any
// state changes and are meant for the sender only. Later failures have
// already been reported to the room when they are returned.
func (o *Orchestrator) HandleUserTurn(ctx context.Context, roomID uuid.UUID, user protocol.Sender, prompt string, opts Options) error {
	text := strings.TrimSpace(prompt)
	if text == "" || utf8.RuneCountInString(text) > MaxPromptRunes {
		return ErrInvalidPrompt
	}
	if err := o.checkRate(ctx, roomID, user); err != nil {
		return err
	}

	turnID := ulid.Make().String()
	log := o.logger.With().Str("turn_id", turnID).Str("room_id", roomID.String()).Int64("user_id", user.ID).Logger()

	release, err := o.locks.Acquire(ctx, roomID, o.timeout)
	if err != nil {
		log.Info().Err(err).Msg("room lock not acquired")
		return err
	}
	defer release()

	if o.lease != nil {
		leaseCtx, cancel := context.WithTimeout(ctx, o.timeout)
		err := o.lease.Acquire(leaseCtx, roomID.String(), turnID)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return ErrLockTimeout
		case err != nil:
			log.Warn().Err(err).Msg("room lease unavailable, continuing with the local lock")
		default:
			defer func() {
				if err := o.lease.Release(context.WithoutCancel(ctx), roomID.String(), turnID); err != nil {
					log.Warn().Err(err).Msg("release room lease")
				}
			}()
		}
	}

	// The turn outlives the request that started it; it ends on stop, on
	// timeout or when the room empties.
	timeoutCtx, cancelTimeout := context.WithTimeoutCause(context.WithoutCancel(ctx), o.timeout, ErrTurnTimeout)
	defer cancelTimeout()
	turnCtx, cancel := context.WithCancelCause(timeoutCtx)
	defer cancel(nil)

	t := &activeTurn{
		id:            turnID,
		user:          user,
		started:       time.Now(),
		cancel:        cancel,
		keepStreaming: o.keepWhenEmpty || o.publisher.KeepStreaming(roomID),
	}
	o.register(roomID, t)
	defer o.unregister(roomID, t)

	model := opts.Model
	if model == "" {
		model = o.model
	}
	persistCtx := context.WithoutCancel(turnCtx)

	now := o.now().UTC()
	uid := user.ID
	userMsg := storage.Message{
		ID:        uuid.New(),
		RoomID:    roomID,
		Role:      storage.RoleUser,
		UserID:    &uid,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
		Usage:     o.usage(log, storage.RoleUser, text, model),
	}
	err = storage.Retry(persistCtx, storage.DefaultWriteAttempts, func(ctx context.Context) error {
		var err error
		userMsg, err = o.store.InsertMessageWithUsage(ctx, userMsg)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("persist user message")
		o.metrics.TurnsFailed.Inc()
		o.reportError(persistCtx, roomID, user, "persist_failed", "could not save your message")
		return fmt.Errorf("persist user message: %w", err)
	}

	o.publish(persistCtx, log, protocol.RoomTopic(roomID), user.ID, protocol.UserMessage(user, text))
	if err := o.store.TouchRoom(persistCtx, roomID, now); err != nil {
		log.Warn().Err(err).Msg("touch room")
	}

	return o.runAssistant(turnCtx, log, roomID, user, userMsg, model)
}

func (o *Orchestrator) checkRate(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error {
	if o.rateLimiter == nil {
		return nil
	}
	allowed, used, resetAt, err := o.rateLimiter.Allow(ctx, roomID.String(), user.ID, o.now())
	if err != nil {
		o.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing turn")
		return nil
	}
	if !allowed {
		o.logger.Info().Int64("user_id", user.ID).Int64("used", used).Time("reset_at", resetAt).Msg("turn rate limited")
		return ErrRateLimited
	}
	return nil
}

func (o *Orchestrator) runAssistant(ctx context.Context, log zerolog.Logger, roomID uuid.UUID, user protocol.Sender, userMsg storage.Message, model string) error {
	sm := NewMachine(log)
	persistCtx := context.WithoutCancel(ctx)
	o.metrics.TurnsStarted.Inc()

	fail := func(code, msg string, err error) error {
		sm.Fail()
		_ = sm.To(StateIdle)
		o.metrics.TurnsFailed.Inc()
		log.Error().Err(err).Str("code", code).Msg("assistant turn failed")
		o.reportError(persistCtx, roomID, user, code, msg)
		return err
	}

	_ = sm.To(StateLoadingHistory)
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return fail("room_unavailable", "room could not be loaded", fmt.Errorf("load room: %w", err))
	}
	messages, err := o.store.ListMessages(ctx, roomID)
	if err != nil {
		return fail("history_unavailable", "conversation history could not be loaded", fmt.Errorf("load history: %w", err))
	}
	history, err := o.history.build(ctx, roomID, messages, userMsg.ID)
	if err != nil {
		return fail("history_unavailable", "conversation history could not be prepared", err)
	}
	prompt := userMsg.Content
	if o.files != nil {
		if prompt, err = o.files.Expand(ctx, roomID, prompt); err != nil {
			return fail("file_unavailable", "a referenced file could not be loaded", err)
		}
	}
	history = append(history, providers.Message{Role: providers.RoleUser, Content: prompt})

	if room.HasDefaultName() {
		o.updateTitle(ctx, log, room, userMsg.Content, model)
	}

	_ = sm.To(StateCallingProvider)
	req := providers.ChatRequest{Model: model, Messages: history, User: user.Email}
	o.apiInfo(persistCtx, log, roomID, user, protocol.DirectionSent, map[string]any{
		"model":    model,
		"messages": len(history),
		"user":     user.Email,
	})
	start := o.now()
	stream, err := o.provider.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			sm.Fail()
			_ = sm.To(StateIdle)
			o.metrics.TurnsCancelled.Inc()
			log.Info().Err(context.Cause(ctx)).Msg("turn cancelled before streaming")
			o.finish(persistCtx, log, roomID, user)
			return nil
		}
		return fail("provider_error", err.Error(), fmt.Errorf("start provider stream: %w", err))
	}
	defer stream.Close()
	_ = sm.To(StateStreaming)

	writer := newProgressWriter(persistCtx, o.store, log)
	var (
		answer    strings.Builder
		assistant storage.Message
		created   bool
		streamErr error
	)
	for {
		delta, err := stream.Recv()
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if delta == "" {
			continue
		}
		answer.WriteString(delta)
		now := o.now().UTC()
		if !created {
			assistant, err = o.createAssistant(persistCtx, log, roomID, answer.String(), model, now, start)
			if err != nil {
				writer.Close()
				sm.Fail()
				_ = sm.To(StateIdle)
				o.metrics.TurnsFailed.Inc()
				log.Error().Err(err).Msg("persist assistant message")
				o.publish(persistCtx, log, protocol.RoomTopic(roomID), user.ID, protocol.BotChunk(user, err.Error()))
				o.finish(persistCtx, log, roomID, user)
				return fmt.Errorf("persist assistant message: %w", err)
			}
			created = true
		} else {
			assistant.Content = answer.String()
			assistant.UpdatedAt = now
			assistant.ElapsedTime = now.Sub(start).Seconds()
			assistant.Usage = o.usage(log, storage.RoleAssistant, assistant.Content, model)
			writer.Update(assistant)
		}
		o.publish(persistCtx, log, protocol.RoomTopic(roomID), user.ID, protocol.BotChunk(user, delta))
	}
	writer.Close()

	if streamErr != nil && !created {
		return fail("provider_error", streamErr.Error(), fmt.Errorf("provider stream: %w", streamErr))
	}
	if streamErr != nil {
		// The error text becomes the last delta of the partial answer.
		log.Warn().Err(streamErr).Msg("provider stream broke mid-answer")
		errDelta := "\n\n" + streamErr.Error()
		answer.WriteString(errDelta)
		o.publish(persistCtx, log, protocol.RoomTopic(roomID), user.ID, protocol.BotChunk(user, errDelta))
	}

	_ = sm.To(StateFinalizing)
	if created {
		now := o.now().UTC()
		assistant.Content = answer.String()
		assistant.UpdatedAt = now
		assistant.ElapsedTime = now.Sub(start).Seconds()
		assistant.Usage = o.usage(log, storage.RoleAssistant, assistant.Content, model)
		err := storage.Retry(persistCtx, storage.DefaultWriteAttempts, func(ctx context.Context) error {
			return o.store.UpdateMessageProgress(ctx, assistant)
		})
		if err != nil {
			log.Error().Err(err).Str("message_id", assistant.ID.String()).Msg("persist final answer")
		}
	}
	o.finish(persistCtx, log, roomID, user)
	o.apiInfo(persistCtx, log, roomID, user, protocol.DirectionRecd, map[string]any{
		"model":             model,
		"elapsed_time":      o.now().Sub(start).Seconds(),
		"completion_tokens": assistant.Usage.Count,
		"completion_value":  assistant.Usage.Value,
	})
	if err := o.store.TouchRoom(persistCtx, roomID, o.now()); err != nil {
		log.Warn().Err(err).Msg("touch room")
	}

	switch {
	case ctx.Err() != nil:
		o.metrics.TurnsCancelled.Inc()
		log.Info().Err(context.Cause(ctx)).Int("chars", answer.Len()).Msg("assistant turn cancelled")
	case streamErr != nil:
		o.metrics.TurnsFailed.Inc()
	default:
		o.metrics.TurnsCompleted.Inc()
		log.Info().Int("chars", answer.Len()).Msg("assistant turn completed")
	}
	_ = sm.To(StateIdle)
	return nil
}

func (o *Orchestrator) createAssistant(ctx context.Context, log zerolog.Logger, roomID uuid.UUID, content, model string, now, start time.Time) (storage.Message, error) {
	m := storage.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		Role:        storage.RoleAssistant,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
		ElapsedTime: now.Sub(start).Seconds(),
		Usage:       o.usage(log, storage.RoleAssistant, content, model),
	}
	var stored storage.Message
	err := storage.Retry(ctx, storage.DefaultWriteAttempts, func(ctx context.Context) error {
		var err error
		stored, err = o.store.InsertMessageWithUsage(ctx, m)
		return err
	})
	return stored, err
}

func (o *Orchestrator) usage(log zerolog.Logger, role storage.Role, text, model string) storage.TokenUsage {
	u, err := o.accountant.Usage(role, text, model)
	if err != nil {
		log.Warn().Err(err).Str("model", model).Msg("count tokens")
		return storage.TokenUsage{Type: accounting.UsageTypeFor(role)}
	}
	return u
}

func (o *Orchestrator) updateTitle(ctx context.Context, log zerolog.Logger, room storage.Room, prompt, model string) {
	title := requestTitle(ctx, o.provider, model, prompt, o.titleTimeout)
	if title == "" {
		log.Debug().Msg("no title generated")
		return
	}
	renamed, err := o.store.RenameRoomIfDefault(ctx, room.ID, title, o.now())
	if err != nil {
		log.Warn().Err(err).Msg("rename room")
		return
	}
	if renamed {
		o.publish(ctx, log, protocol.PresenceTopic, 0, protocol.RoomChanged(room.ID, "title"))
	}
}

// finish closes the turn for clients on the room and presence topics.
func (o *Orchestrator) finish(ctx context.Context, log zerolog.Logger, roomID uuid.UUID, user protocol.Sender) {
	o.publish(ctx, log, protocol.RoomTopic(roomID), user.ID, protocol.BotFinished(user))
	o.publish(ctx, log, protocol.PresenceTopic, user.ID, protocol.BotFinished(user))
}

func (o *Orchestrator) reportError(ctx context.Context, roomID uuid.UUID, user protocol.Sender, code, msg string) {
	o.publish(ctx, o.logger, protocol.RoomTopic(roomID), user.ID, protocol.Error(code, msg))
}

func (o *Orchestrator) apiInfo(ctx context.Context, log zerolog.Logger, roomID uuid.UUID, user protocol.Sender, direction string, data map[string]any) {
	if !o.apiInfoEnabled {
		return
	}
	o.publish(ctx, log, protocol.RoomTopic(roomID), user.ID, protocol.APIInfo(o.provider.Name(), direction, o.now(), data))
}

func (o *Orchestrator) publish(ctx context.Context, log zerolog.Logger, topic string, sender int64, frame any) {
	if err := o.publisher.Publish(ctx, topic, sender, false, frame); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("publish frame")
	}
}

func (o *Orchestrator) register(roomID uuid.UUID, t *activeTurn) {
	o.mu.Lock()
	o.active[roomID] = t
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(roomID uuid.UUID, t *activeTurn) {
	o.mu.Lock()
	if o.active[roomID] == t {
		delete(o.active, roomID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) current(roomID uuid.UUID) *activeTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[roomID]
}

// Stop cancels the room's running turn, here or on whichever process runs it.
func (o *Orchestrator) Stop(ctx context.Context, roomID uuid.UUID, user protocol.Sender) error {
	if o.CancelLocal(roomID, ErrStopped) {
		o.logger.Info().Str("room_id", roomID.String()).Int64("user_id", user.ID).Msg("turn stopped")
		return nil
	}
	return o.publisher.PublishControl(ctx, roomID, user.ID, protocol.ControlStop)
}

// CancelLocal cancels the turn running in this process for room, if any.
func (o *Orchestrator) CancelLocal(roomID uuid.UUID, cause error) bool {
	t := o.current(roomID)
	if t == nil {
		return false
	}
	t.cancel(cause)
	return true
}

// HandleControl applies control envelopes received from other processes.
func (o *Orchestrator) HandleControl(ctx context.Context, roomID uuid.UUID, env protocol.Envelope) {
	switch env.Control {
	case protocol.ControlStop:
		if o.CancelLocal(roomID, ErrStopped) {
			o.logger.Info().Str("room_id", roomID.String()).Int64("user_id", env.Sender).Str("origin", env.Origin).Msg("turn stopped remotely")
		}
	case protocol.ControlRoomEmpty:
		if t := o.current(roomID); t != nil {
			o.cancelIfEmpty(ctx, roomID, t)
		}
	default:
		o.logger.Warn().Str("control", env.Control).Msg("unknown control envelope")
	}
}

// OnRoomEmpty runs after the last local session of room left. The room's turn
// is cancelled once nobody is left to read it, unless streaming into an empty
// room was requested. When the turn runs elsewhere its owner is told over the
// control topic and re-checks occupancy itself.
func (o *Orchestrator) OnRoomEmpty(ctx context.Context, roomID uuid.UUID) {
	if t := o.current(roomID); t != nil {
		o.cancelIfEmpty(ctx, roomID, t)
		return
	}
	if o.occupancy == nil || o.keepWhenEmpty {
		return
	}
	if o.publisher.KeepStreamingSince(roomID, time.Now().Add(-o.timeout)) || o.occupied(ctx, roomID) {
		return
	}
	if err := o.publisher.PublishControl(ctx, roomID, 0, protocol.ControlRoomEmpty); err != nil {
		o.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("announce empty room")
	}
}

// cancelIfEmpty reads the keep-streaming requests at the time the room
// empties, so sessions that joined after the turn started count too.
func (o *Orchestrator) cancelIfEmpty(ctx context.Context, roomID uuid.UUID, t *activeTurn) {
	if t.keepStreaming || o.publisher.KeepStreamingSince(roomID, t.started) || o.occupied(ctx, roomID) {
		return
	}
	if o.CancelLocal(roomID, ErrRoomEmpty) {
		o.logger.Info().Str("room_id", roomID.String()).Str("turn_id", t.id).Msg("room emptied, turn cancelled")
	}
}

// occupied reports whether presence still shows users in room. Without
// presence, or when it cannot be read, the room counts as empty.
func (o *Orchestrator) occupied(ctx context.Context, roomID uuid.UUID) bool {
	if o.occupancy == nil {
		return false
	}
	n, err := o.occupancy.CountByRoom(ctx, roomID)
	if err != nil {
		o.logger.Warn().Err(err).Str("room_id", roomID.String()).Msg("count room occupancy")
		return false
	}
	return n > 0
}

// CreateAnnotation stores an ANNOTATION message in room. Selector rows in
// annotations are saved first and referenced by id when content is empty.
func (o *Orchestrator) CreateAnnotation(ctx context.Context, roomID uuid.UUID, user protocol.Sender, content string, structured map[string]any, annotations []storage.Annotation) (storage.Message, error) {
	ids := make([]string, 0, len(annotations))
	for _, a := range annotations {
		if err := o.store.CreateAnnotation(ctx, a); err != nil {
			return storage.Message{}, err
		}
		ids = append(ids, a.ID)
	}
	content = strings.TrimSpace(content)
	if content == "" && len(ids) > 0 {
		content = strings.Join(ids, ",")
	}
	if content == "" && len(structured) == 0 {
		content = AnnotationPending
	}

	now := o.now().UTC()
	uid := user.ID
	m := storage.Message{
		ID:                uuid.New(),
		RoomID:            roomID,
		Role:              storage.RoleAnnotation,
		UserID:            &uid,
		Content:           content,
		StructuredContent: structured,
		CreatedAt:         now,
		UpdatedAt:         now,
		Usage:             o.usage(o.logger, storage.RoleAnnotation, content, o.model),
	}
	stored, err := o.store.InsertMessageWithUsage(ctx, m)
	if err != nil {
		return storage.Message{}, err
	}
	o.publishAnnotation(ctx, stored)
	return stored, nil
}

// UpdateAnnotation replaces the content of an ANNOTATION message of room and
// announces the new rendering.
func (o *Orchestrator) UpdateAnnotation(ctx context.Context, roomID, messageID uuid.UUID, content string, structured map[string]any) (storage.Message, error) {
	m, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, err
	}
	if m.RoomID != roomID || m.Role != storage.RoleAnnotation {
		return storage.Message{}, storage.ErrNotFound
	}
	now := o.now().UTC()
	if err := o.store.UpdateMessageContent(ctx, messageID, content, structured, now); err != nil {
		return storage.Message{}, err
	}
	m.Content, m.StructuredContent, m.UpdatedAt = content, structured, now
	o.publishAnnotation(ctx, m)
	return m, nil
}

func (o *Orchestrator) publishAnnotation(ctx context.Context, m storage.Message) {
	text, ok, err := renderAnnotation(ctx, o.store, m)
	if err != nil {
		o.logger.Warn().Err(err).Str("message_id", m.ID.String()).Msg("render annotation")
		return
	}
	if !ok {
		text = AnnotationPending
	}
	frame := protocol.AnnotationFrame{
		Type:      protocol.TypeAnnotation,
		Message:   text,
		MessageID: m.ID.String(),
		RoomID:    m.RoomID.String(),
	}
	var sender int64
	if m.UserID != nil {
		sender = *m.UserID
	}
	o.publish(ctx, o.logger, protocol.RoomTopic(m.RoomID), sender, frame)
}
