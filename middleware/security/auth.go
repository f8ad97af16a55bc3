package security

import (
	"net/http"

	"SupportChat/global"
	"SupportChat/tools/errs"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
)

// ===== context key =====
// 后续 handler 统一用 CurrentUser 读取
const (
	PPCtxAuthKey     = "authorization" // string，原始 token
	PPCtxIdentityKey = "identity"      // security.Identity
)

type Options struct {
	JWT                       security.Options
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	EnableQueryToken          bool   // 允许 ?access_token=，默认 false
}

func DefaultOptions(jwt security.Options) *Options {
	return &Options{
		JWT:                       jwt,
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
	}
}

// Middleware verifies the bearer token and stores the caller's identity.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := security.BearerToken(c.GetHeader(opts.HeaderToken))
		if token == "" && opts.EnableQueryToken {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrUnauthorized.WrapMsg("missing token")))
			return
		}

		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(err))
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxIdentityKey, claims.Identity())
		c.Next()
	}
}

// RequireStaff must run after Middleware.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := CurrentUser(c)
		if !ok || !who.IsStaff() {
			c.AbortWithStatusJSON(http.StatusForbidden, global.Fail(errs.ErrForbidden.WrapMsg("staff only")))
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (security.Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return security.Identity{}, false
	}
	who, ok := v.(security.Identity)
	return who, ok
}
