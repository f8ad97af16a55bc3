// Package handler exposes the room service over REST.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"SupportChat/global"
	mid "SupportChat/middleware"
	midsec "SupportChat/middleware/security"
	"SupportChat/module/chatBox/service"
	"SupportChat/tools/errs"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
)

// Members lists who is currently attached to a room.
type Members interface {
	Members(ctx context.Context, roomID string) ([]string, error)
}

type Handler struct {
	svc      *service.Service
	presence Members
}

func New(svc *service.Service) *Handler { return &Handler{svc: svc} }

// WithPresence enables GET /api/chat/rooms/:roomId/presence.
func (h *Handler) WithPresence(p Members) *Handler {
	h.presence = p
	return h
}

// Register mounts the chat routes under /api/chat; every route needs a token.
func (h *Handler) Register(rt *mid.Routes) {
	auth := mid.RouteOpt{IsAuth: true}
	staff := mid.RouteOpt{StaffOnly: true}

	rt.GET("/api/chat/rooms/customer/:customerId", h.GetChatRoom, auth)
	rt.GET("/api/chat/rooms/active", h.GetAllActiveChatRooms, staff)
	rt.GET("/api/chat/rooms/:roomId/messages", h.GetMessageHistory, auth)
	rt.PUT("/api/chat/rooms/:roomId/read", h.MarkMessagesAsRead, auth)
	rt.PUT("/api/chat/rooms/:roomId/assign", h.AssignStaff, staff)
	rt.PUT("/api/chat/rooms/:roomId/close", h.CloseChatRoom, auth)
	if h.presence != nil {
		rt.GET("/api/chat/rooms/:roomId/presence", h.GetPresence, auth)
	}
}

func (h *Handler) GetChatRoom(c *gin.Context) {
	room, err := h.svc.GetChatRoom(c.Request.Context(), caller(c), c.Param("customerId"))
	reply(c, room, err)
}

func (h *Handler) GetMessageHistory(c *gin.Context) {
	page, size, err := paging(c)
	if err != nil {
		reply(c, nil, err)
		return
	}
	out, err := h.svc.GetMessageHistory(c.Request.Context(), caller(c), c.Param("roomId"), page, size)
	reply(c, out, err)
}

func (h *Handler) MarkMessagesAsRead(c *gin.Context) {
	err := h.svc.MarkMessagesAsRead(c.Request.Context(), caller(c), c.Param("roomId"))
	reply(c, nil, err)
}

func (h *Handler) AssignStaff(c *gin.Context) {
	room, err := h.svc.AssignStaff(c.Request.Context(), caller(c), c.Param("roomId"), c.Query("staffId"))
	reply(c, room, err)
}

func (h *Handler) CloseChatRoom(c *gin.Context) {
	room, err := h.svc.CloseChatRoom(c.Request.Context(), caller(c), c.Param("roomId"))
	reply(c, room, err)
}

func (h *Handler) GetAllActiveChatRooms(c *gin.Context) {
	page, size, err := paging(c)
	if err != nil {
		reply(c, nil, err)
		return
	}
	out, err := h.svc.GetAllActiveChatRooms(c.Request.Context(), caller(c), page, size)
	reply(c, out, err)
}

func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("roomId")
	if _, err := h.svc.Authorize(ctx, caller(c), roomID); err != nil {
		reply(c, nil, err)
		return
	}
	users, err := h.presence.Members(ctx, roomID)
	reply(c, users, err)
}

// ===== helpers =====

func caller(c *gin.Context) security.Identity {
	who, _ := midsec.CurrentUser(c)
	return who
}

func paging(c *gin.Context) (page, size int, err error) {
	if v := c.Query("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 0 {
			return 0, 0, errs.ErrBadRequest.WrapMsg("bad page", "page", v)
		}
	}
	if v := c.Query("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 0 {
			return 0, 0, errs.ErrBadRequest.WrapMsg("bad size", "size", v)
		}
	}
	return page, size, nil
}

func reply(c *gin.Context, data any, err error) {
	if err != nil {
		status := errs.HTTPStatus(errs.Code(err))
		c.JSON(status, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Success(data))
}
