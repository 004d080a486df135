package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"roomcast/internal/accounting"
	"roomcast/internal/protocol"
	"roomcast/internal/storage"
)

type roomView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerID     int64     `json:"owner_id"`
	Visibility  string    `json:"visibility"`
	Share       bool      `json:"share"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers *int      `json:"active_users,omitempty"`
	UserPresent *bool     `json:"user_present,omitempty"`
}

func toRoomView(r storage.Room) roomView {
	return roomView{
		ID:         r.ID.String(),
		Name:       r.Name,
		OwnerID:    r.OwnerID,
		Visibility: string(r.Visibility),
		Share:      r.Share,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

type usageTotals struct {
	PromptTokensCount     int64   `json:"prompt_tokens_count"`
	CompletionTokensCount int64   `json:"completion_tokens_count"`
	TotalTokensCount      int64   `json:"total_tokens_count"`
	PromptTokensValue     float64 `json:"prompt_tokens_value"`
	CompletionTokensValue float64 `json:"completion_tokens_value"`
	TotalTokensValue      float64 `json:"total_tokens_value"`
}

func toTotals(t storage.UsageTotals) usageTotals {
	return usageTotals{
		PromptTokensCount:     t.PromptCount,
		CompletionTokensCount: t.CompletionCount,
		TotalTokensCount:      t.TotalCount(),
		PromptTokensValue:     t.PromptValue,
		CompletionTokensValue: t.CompletionValue,
		TotalTokensValue:      t.TotalValue(),
	}
}

type messageView struct {
	ID                string                  `json:"id"`
	Role              string                  `json:"role"`
	UserID            *int64                  `json:"user_id,omitempty"`
	Content           string                  `json:"content"`
	StructuredContent map[string]any          `json:"structured_content,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	ElapsedTime       float64                 `json:"elapsed_time"`
	Usage             accounting.MessageUsage `json:"usage"`
}

func toMessageView(m storage.Message, u accounting.MessageUsage) messageView {
	return messageView{
		ID:                m.ID.String(),
		Role:              string(m.Role),
		UserID:            m.UserID,
		Content:           m.Content,
		StructuredContent: m.StructuredContent,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		ElapsedTime:       m.ElapsedTime,
		Usage:             u,
	}
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.store.ListRoomsForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list rooms")
		fail(c, http.StatusInternalServerError, "internal_error", "could not list rooms")
		return
	}
	out := make([]roomView, 0, len(rooms))
	for _, r := range rooms {
		v := toRoomView(r.Room)
		active, present := r.ActiveUsers, r.UserPresent
		v.ActiveUsers, v.UserPresent = &active, &present
		out = append(out, v)
	}
	ok(c, http.StatusOK, out)
}

type createRoomReq struct {
	Name           string `json:"name"`
	Visibility     string `json:"visibility"`
	Share          bool   `json:"share"`
	OrganizationID string `json:"organization_id"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	room := storage.Room{
		Name:       strings.TrimSpace(req.Name),
		OwnerID:    currentUser(c).ID,
		Visibility: storage.Visibility(strings.ToUpper(req.Visibility)),
		Share:      req.Share,
	}
	switch room.Visibility {
	case "", storage.VisibilityPrivate, storage.VisibilityOrganization:
	default:
		fail(c, http.StatusBadRequest, "bad_request", "visibility must be PRIVATE or ORGANIZATION")
		return
	}
	if req.OrganizationID != "" {
		id, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			fail(c, http.StatusBadRequest, "bad_request", "invalid organization_id")
			return
		}
		room.OrganizationID = &id
	}
	if room.Visibility == storage.VisibilityOrganization && room.OrganizationID == nil {
		fail(c, http.StatusBadRequest, "bad_request", "organization rooms need an organization_id")
		return
	}

	created, err := s.store.CreateRoom(c.Request.Context(), room)
	if err != nil {
		if errors.Is(err, storage.ErrForeignKey) {
			fail(c, http.StatusBadRequest, "bad_request", "unknown organization")
			return
		}
		s.logger.Error().Err(err).Msg("create room")
		fail(c, http.StatusInternalServerError, "internal_error", "could not create room")
		return
	}
	if err := s.registry.Publish(c.Request.Context(), protocol.PresenceTopic, created.OwnerID, false, protocol.RoomChanged(created.ID, "created")); err != nil {
		s.logger.Warn().Err(err).Msg("publish room_changed")
	}
	ok(c, http.StatusCreated, toRoomView(created))
}

func (s *Server) getRoom(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	totals, err := s.store.RoomUsageTotals(c.Request.Context(), room.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("load room usage")
		fail(c, http.StatusInternalServerError, "internal_error", "could not load room")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"room":  toRoomView(room),
		"usage": toTotals(totals),
	})
}

func (s *Server) listMessages(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), room.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("list messages")
		fail(c, http.StatusInternalServerError, "internal_error", "could not list messages")
		return
	}
	derived := accounting.Derive(msgs)
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageView(m, derived[i])
	}
	ok(c, http.StatusOK, gin.H{
		"messages": out,
		"usage":    toTotals(accounting.Totals(msgs)),
	})
}

type userView struct {
	ID      int64  `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

func (s *Server) listUsers(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	users, err := s.presence.UsersInRoom(c.Request.Context(), room.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("list room users")
		fail(c, http.StatusInternalServerError, "internal_error", "could not list users")
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{ID: u.ID, Email: u.Email, Name: u.Name, Picture: u.Picture})
	}
	ok(c, http.StatusOK, out)
}

type annotationSelector struct {
	ID     string `json:"id" binding:"required"`
	Exact  string `json:"exact"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
	Source string `json:"source"`
}

type annotationReq struct {
	Content           string               `json:"content"`
	StructuredContent map[string]any       `json:"structured_content"`
	Annotations       []annotationSelector `json:"annotations"`
}

func (s *Server) createAnnotation(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	var req annotationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	selectors := make([]storage.Annotation, 0, len(req.Annotations))
	for _, a := range req.Annotations {
		selectors = append(selectors, storage.Annotation{ID: a.ID, Exact: a.Exact, Prefix: a.Prefix, Suffix: a.Suffix, Source: a.Source})
	}
	m, err := s.turns.CreateAnnotation(c.Request.Context(), room.ID, currentUser(c), req.Content, req.StructuredContent, selectors)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			fail(c, http.StatusConflict, "conflict", "annotation id already exists")
			return
		}
		s.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("create annotation")
		fail(c, http.StatusInternalServerError, "internal_error", "could not create annotation")
		return
	}
	ok(c, http.StatusCreated, toMessageView(m, accounting.Derive([]storage.Message{m})[0]))
}

func (s *Server) updateAnnotation(c *gin.Context) {
	room, found := s.visibleRoom(c)
	if !found {
		return
	}
	messageID, err := uuid.Parse(c.Param("message_id"))
	if err != nil {
		fail(c, http.StatusNotFound, "not_found", "annotation not found")
		return
	}
	var req annotationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	m, err := s.turns.UpdateAnnotation(c.Request.Context(), room.ID, messageID, req.Content, req.StructuredContent)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "annotation not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID.String()).Msg("update annotation")
		fail(c, http.StatusInternalServerError, "internal_error", "could not update annotation")
		return
	}
	ok(c, http.StatusOK, toMessageView(m, accounting.Derive([]storage.Message{m})[0]))
}
