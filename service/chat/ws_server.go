package chat

import (
	"net/http"
	"strings"

	"SupportChat/global"
	"SupportChat/logger"
	"SupportChat/service/stompx"
	"SupportChat/tools/errs"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleWS authenticates the handshake, upgrades and serves STOMP until the
// connection ends. A bad token is answered with 401 before any upgrade.
func (s *Server) HandleWS(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = security.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrUnauthorized.WrapMsg("missing token")))
		return
	}
	claims, err := security.Verify(s.auth, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(err))
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败；Upgrade 已写回响应
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	sess := newSession(s, ws, claims.Identity())
	sess.Remote = c.ClientIP()
	if err := s.mgr.Add(sess); err != nil {
		_ = sess.writeNow(stompx.Error("rejected", err.Error(), ""))
		sess.Close("")
		return
	}
	s.log.Info("ws open",
		zap.String("session", sess.ID),
		zap.String("user", sess.User.UserID),
		zap.String("remote", sess.Remote))

	sess.readLoop()

	// ---- 退出阶段：摘索引、退订、通知钩子 ----
	s.closed(sess)
	s.log.Info("ws closed", zap.String("session", sess.ID), zap.String("user", sess.User.UserID))
}
