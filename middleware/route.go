package middleware

import (
	midsec "SupportChat/middleware/security"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth    bool
	StaffOnly bool // 隐含 IsAuth
}

// Routes registers handlers with the auth chain each RouteOpt asks for.
type Routes struct {
	r    gin.IRoutes
	auth *midsec.Options
}

func NewRoutes(r gin.IRoutes, auth *midsec.Options) *Routes {
	return &Routes{r: r, auth: auth}
}

func (rt *Routes) chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	var hs []gin.HandlerFunc
	if opt.IsAuth || opt.StaffOnly {
		hs = append(hs, midsec.Middleware(rt.auth))
	}
	if opt.StaffOnly {
		hs = append(hs, midsec.RequireStaff())
	}
	return append(hs, handler)
}

func (rt *Routes) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.r.GET(path, rt.chain(handler, opt)...)
}

func (rt *Routes) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.r.POST(path, rt.chain(handler, opt)...)
}

func (rt *Routes) PUT(path string, handler gin.HandlerFunc, opt RouteOpt) {
	rt.r.PUT(path, rt.chain(handler, opt)...)
}
