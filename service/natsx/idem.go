package natsx

import (
	"context"
	"time"

	"SupportChat/service/storage"
	"SupportChat/tools/errs"

	"github.com/golang/glog"
)

const HdrMsgID = "Nats-Msg-Id"

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{HdrMsgID, "nats-msg-id", "X-Msg-Id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware 丢弃 ttl 内重复的消息 id；无 id 的消息直接放行。
// 存储故障时放行，宁可重复不丢。
func NatsxIdemMiddleware(store storage.IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				return next(ctx, msg)
			}
			first, err := store.SeenOnce(ctx, "nats:"+id, ttl)
			if err != nil {
				glog.Warningf("[NATS] idem check failed id=%s err=%v", id, err)
				return next(ctx, msg)
			}
			if !first {
				glog.V(2).Infof("[NATS] duplicate dropped id=%s", id)
				return nil
			}
			return next(ctx, msg)
		}
	}
}

// NatsxRecover 把处理器里的 panic 变成错误
func NatsxRecover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[NATS] handler panic subject=%s: %v", msg.Subject, r)
					err = errs.ErrPanic(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}
