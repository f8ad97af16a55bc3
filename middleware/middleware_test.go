package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	midsec "SupportChat/middleware/security"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginAllowed(t *testing.T) {
	check := OriginAllowed([]string{" https://Shop.example.com ", "http://localhost:3000"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("")), "non-browser clients pass")
	assert.True(t, check(req("https://shop.example.com")))
	assert.True(t, check(req("https://shop.example.com/some/page")))
	assert.True(t, check(req("http://localhost:3000")))
	assert.False(t, check(req("http://shop.example.com")))
	assert.False(t, check(req("https://evil.example.com")))

	assert.True(t, OriginAllowed(nil)(req("https://anything.io")))
	assert.True(t, OriginAllowed([]string{"*"})(req("https://anything.io")))
}

func TestManager_RunsInOrderAndStopsOnAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager()
	var trail []string
	m.Add("a", func(c *gin.Context) { trail = append(trail, "a") })
	m.Add("origin", Origin([]string{"https://ok.io"}))
	m.Add("b", func(c *gin.Context) { trail = append(trail, "b") })
	assert.Equal(t, []string{"a", "origin", "b"}, m.Names())

	r := gin.New()
	r.Use(m.Use())
	r.GET("/x", func(c *gin.Context) {
		trail = append(trail, "h")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://ok.io")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"a", "b", "h"}, trail)

	trail = nil
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.io")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []string{"a"}, trail)

	// 同名替换，删除后不再执行
	m.Add("a", func(c *gin.Context) { trail = append(trail, "a2") })
	m.Remove("origin")
	trail = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, []string{"a2", "b", "h"}, trail)
}

func TestRoutes_AuthChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwt := security.DefaultOptions([]byte("route-test"))
	r := gin.New()
	rt := NewRoutes(r, midsec.DefaultOptions(jwt))
	whoami := func(c *gin.Context) {
		who, _ := midsec.CurrentUser(c)
		c.String(http.StatusOK, who.UserID)
	}
	rt.GET("/open", whoami, RouteOpt{})
	rt.GET("/auth", whoami, RouteOpt{IsAuth: true})
	rt.GET("/staff", whoami, RouteOpt{StaffOnly: true})

	token := func(role string) string {
		tok, _, err := security.Generate(jwt, security.Identity{UserID: "u-" + role, Role: role})
		require.NoError(t, err)
		return "Bearer " + tok
	}
	call := func(path, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("/open", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/auth", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/auth", "Bearer nope").Code)

	w := call("/auth", token(security.RoleCustomer))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-CUSTOMER", w.Body.String())

	assert.Equal(t, http.StatusForbidden, call("/staff", token(security.RoleCustomer)).Code)
	assert.Equal(t, http.StatusUnauthorized, call("/staff", "").Code)
	assert.Equal(t, http.StatusOK, call("/staff", token(security.RoleStaff)).Code)
}
