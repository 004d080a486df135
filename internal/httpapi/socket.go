package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomcast/internal/protocol"
	"roomcast/internal/session"
	"roomcast/internal/turn"
)

const maxFrameBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// roomSocket serves one client session of a room. The visibility gate runs
// before the upgrade so unreadable rooms get a plain 404.
func (s *Server) roomSocket(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	user := currentUser(c)
	keep, _ := strconv.ParseBool(c.Query("keep_streaming"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	log := s.logger.With().Str("room_id", room.ID.String()).Int64("user_id", user.ID).Logger()

	sink := s.registry.NewSink(user, room.ID, keep)
	if err := s.registry.Attach(ctx, room.ID, sink); err != nil {
		log.Error().Err(err).Msg("attach session")
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := session.NewWSConn(ws, sink, s.metrics)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := conn.WriteLoop(ctx); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Msg("write loop ended")
		}
	}()
	defer func() {
		s.registry.Detach(context.WithoutCancel(ctx), room.ID, sink)
		cancel()
		<-writeDone
	}()

	s.readLoop(ws, func(frame protocol.Inbound) {
		s.dispatch(ctx, log, room.ID, user, sink, frame)
	}, func(code, msg string) {
		reply(sink, code, msg)
	})
}

// presenceSocket streams the global presence channel. Client frames are
// read only to notice the close.
func (s *Server) presenceSocket(c *gin.Context) {
	user := currentUser(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := s.registry.NewSink(user, uuid.Nil, false)
	if err := s.registry.AttachPresence(ctx, sink); err != nil {
		s.logger.Error().Err(err).Int64("user_id", user.ID).Msg("attach presence session")
		_ = ws.Close()
		return
	}
	conn := session.NewWSConn(ws, sink, s.metrics)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_ = conn.WriteLoop(ctx)
	}()
	defer func() {
		s.registry.DetachPresence(context.WithoutCancel(ctx), sink)
		cancel()
		<-writeDone
	}()

	s.readLoop(ws, func(protocol.Inbound) {}, func(string, string) {})
}

// readLoop decodes client frames until the socket fails or closes.
func (s *Server) readLoop(ws *websocket.Conn, handle func(protocol.Inbound), bad func(code, msg string)) {
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		var frame protocol.Inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			bad("bad_request", "invalid payload")
			continue
		}
		handle(frame)
	}
}

func (s *Server) dispatch(ctx context.Context, log zerolog.Logger, roomID uuid.UUID, user protocol.Sender, sink *session.Sink, frame protocol.Inbound) {
	switch frame.Type {
	case protocol.InboundMessage:
		// Turns run off the read loop so a stop frame can arrive mid-stream.
		go func() {
			err := s.turns.HandleUserTurn(ctx, roomID, user, frame.Content, turn.Options{})
			switch {
			case err == nil:
			case errors.Is(err, turn.ErrInvalidPrompt):
				reply(sink, "invalid_prompt", err.Error())
			case errors.Is(err, turn.ErrRateLimited):
				reply(sink, "rate_limited", err.Error())
			case errors.Is(err, turn.ErrLockTimeout):
				reply(sink, "busy", err.Error())
			default:
				log.Warn().Err(err).Msg("turn ended with error")
			}
		}()
	case protocol.InboundTyping:
		name := user.Name
		if name == "" {
			name = user.Email
		}
		if err := s.registry.Publish(ctx, protocol.RoomTopic(roomID), user.ID, true, protocol.Typing(name)); err != nil {
			log.Warn().Err(err).Msg("publish typing")
		}
	case protocol.InboundStop:
		if err := s.turns.Stop(ctx, roomID, user); err != nil {
			log.Warn().Err(err).Msg("stop turn")
			reply(sink, "internal_error", "could not stop the current answer")
		}
	default:
		reply(sink, "unsupported_type", "unknown frame type")
	}
}

// reply sends an error frame to one session only.
func reply(sink *session.Sink, code, msg string) {
	if payload, err := json.Marshal(protocol.Error(code, msg)); err == nil {
		sink.Push(payload)
	}
}
