// Package user issues development tokens. Production tokens come from the
// external auth system and only need to verify against the shared secret.
package user

import (
	"net/http"
	"strings"
	"time"

	"SupportChat/global"
	mid "SupportChat/middleware"
	"SupportChat/tools/errs"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type LoginReply struct {
	Token    string            `json:"token"`
	ExpireAt time.Time         `json:"expireAt"`
	User     security.Identity `json:"user"`
}

type Handler struct {
	jwt security.Options
}

func NewHandler(jwt security.Options) *Handler { return &Handler{jwt: jwt} }

func (h *Handler) Register(rt *mid.Routes) {
	rt.POST("/api/auth/login", h.HandlerLogin, mid.RouteOpt{})
}

// HandlerLogin trusts the body and signs it; mount only in development.
func (h *Handler) HandlerLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, global.Fail(errs.ErrBadRequest.WrapMsg("bad body")))
		return
	}
	id, err := req.identity()
	if err != nil {
		c.JSON(http.StatusBadRequest, global.Fail(err))
		return
	}
	token, exp, err := security.Generate(h.jwt, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Success(LoginReply{Token: token, ExpireAt: exp, User: id}))
}

func (r LoginRequest) identity() (security.Identity, error) {
	id := security.Identity{
		UserID: strings.TrimSpace(r.UserID),
		Name:   strings.TrimSpace(r.Name),
		Email:  strings.TrimSpace(r.Email),
		Role:   strings.ToUpper(strings.TrimSpace(r.Role)),
	}
	if id.UserID == "" {
		return id, errs.ErrBadRequest.WrapMsg("userId required")
	}
	if id.Role == "" {
		id.Role = security.RoleCustomer
	}
	if id.Role != security.RoleCustomer && id.Role != security.RoleStaff {
		return id, errs.ErrBadRequest.WrapMsg("unknown role", "role", r.Role)
	}
	if id.Name == "" {
		id.Name = id.UserID
	}
	return id, nil
}
