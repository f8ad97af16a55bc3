package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SupportChat/global"
	"SupportChat/global/config"
	"SupportChat/logger"
	mid "SupportChat/middleware"
	midsec "SupportChat/middleware/security"
	"SupportChat/module/chatBox/handler"
	"SupportChat/module/chatBox/service"
	"SupportChat/module/chatBox/store"
	"SupportChat/module/user"
	"SupportChat/service/chat"
	"SupportChat/service/chat/handlers"
	"SupportChat/service/natsx"
	"SupportChat/service/stompx"
	"SupportChat/service/storage"
	"SupportChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"go.uber.org/zap"
)

func main() {
	flag.Parse()
	defer glog.Flush()
	defer logger.Sync()

	c, err := config.Load()
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	logger.SetLevel(c.LogLevel)
	global.ConfigIds(c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, c config.AppConfig) error {
	jwt := global.JWTOptions(c)

	// 1) 存储
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var rooms store.RoomStore = store.NewMemRoomStore()
	pool, err := global.ConfigPg(bootCtx, c)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
		pgRooms := store.NewPgRoomStore(pool)
		if err := pgRooms.Migrate(bootCtx); err != nil {
			return err
		}
		rooms = pgRooms
	}

	var msgs store.MessageStore = store.NewMemMessageStore()
	mgo, err := global.ConfigMgo(bootCtx, c)
	if err != nil {
		return err
	}
	if mgo != nil {
		defer func() { _ = mgo.Close(context.Background()) }()
		mgoMsgs := store.NewMongoMessageStore(mgo.GetDB())
		if err := mgoMsgs.EnsureIndexes(bootCtx); err != nil {
			return err
		}
		msgs = mgoMsgs
	}

	var (
		presence storage.Presence  = storage.NewMemPresence(c.PresenceTTL, nil)
		idem     storage.IdemStore = storage.NewMemIdem(nil)
	)
	rdb, err := global.ConfigRedis(c)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		presence = storage.NewRedisPresence(rdb, c.PresenceTTL, nil)
		idem = storage.NewRedisIdem(rdb, "")
	}

	// 2) 网关与业务
	srv := chat.NewServer(chat.ServerConf{
		NodeID:         c.NodeID,
		HeartBeat:      stompx.HeartBeat{Send: c.HeartBeat, Recv: c.HeartBeat},
		AllowedOrigins: c.AllowedOrigins,
		Manager:        chat.ManagerConf{MaxPerUser: c.MaxConnPerUser, EvictOldest: true},
	}, jwt)
	defer srv.Stop()

	svc := service.New(rooms, msgs, srv, service.Config{})
	srv.SetGuard(svc)
	handlers.Register(srv, svc, presence, c.PresenceTTL)

	nc, err := global.ConfigNats(c)
	if err != nil {
		return err
	}
	if nc != nil {
		relay := natsx.NewRelay(nc, idem, time.Minute)
		if err := relay.Start(srv.Deliver); err != nil {
			_ = nc.Close()
			return err
		}
		defer func() { _ = relay.Close() }()
		srv.SetRelay(relay)
	}

	// 3) HTTP
	engine := newEngine(c, jwt, srv, svc, presence)
	hs := &http.Server{Addr: c.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", c.HTTPAddr), zap.String("node", c.NodeID))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")
	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	return hs.Shutdown(shutCtx)
}

func newEngine(c config.AppConfig, jwt security.Options, srv *chat.Server, svc *service.Service, presence storage.Presence) *gin.Engine {
	if c.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), mid.AccessLog(logger.Named("http")))

	mid.Manager().Add("origin", mid.Origin(c.AllowedOrigins))
	r.Use(mid.Manager().Use())

	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, global.Success(gin.H{"node": c.NodeID, "connections": srv.ConnMgr().Count()}))
	})

	rt := mid.NewRoutes(r, midsec.DefaultOptions(jwt))
	handler.New(svc).WithPresence(presence).Register(rt)
	if c.DevLogin {
		logger.Warn("dev login enabled: /api/auth/login signs any identity")
		user.NewHandler(jwt).Register(rt)
	}
	return r
}
