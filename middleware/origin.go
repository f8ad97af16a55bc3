package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"SupportChat/global"
	"SupportChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// OriginAllowed builds a websocket CheckOrigin. An empty list allows any
// origin; requests without an Origin header (non-browser clients) pass.
func OriginAllowed(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(strings.ToLower(a)); a != "" {
			set[a] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// Origin rejects cross-origin browser requests to the REST API.
func Origin(allowed []string) gin.HandlerFunc {
	check := OriginAllowed(allowed)
	return func(c *gin.Context) {
		if !check(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, global.Fail(errs.ErrForbidden.WrapMsg("origin not allowed")))
		}
	}
}
