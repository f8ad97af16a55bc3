package natsx

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"SupportChat/service/storage"
	"SupportChat/tools/errs"

	"github.com/golang/glog"
)

const (
	BizChatDest   = "chat.dest"
	subjectPrefix = BizChatDest + "."
)

// DeliverFunc hands a relayed publish to the local broker.
type DeliverFunc func(dest string, body []byte, msgID string) int

// Relay fans gateway publishes out to every node over NATS. Each node
// subscribes chat.dest.> without a queue group, so all of them receive it.
type Relay struct {
	c        *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
	deliver  DeliverFunc
}

// NewRelay wires the idempotency and recover middlewares in front of
// delivery. idemTTL <= 0 uses one minute.
func NewRelay(c *NatsxClient, idem storage.IdemStore, idemTTL time.Duration) *Relay {
	if idemTTL <= 0 {
		idemTTL = time.Minute
	}
	mws := []NatsxMiddleware{NatsxRecover()}
	if idem != nil {
		mws = append(mws, NatsxIdemMiddleware(idem, idemTTL))
	}
	return &Relay{
		c:        c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, mws...),
	}
}

// Start subscribes and begins handing messages to deliver.
func (r *Relay) Start(deliver DeliverFunc) error {
	r.deliver = deliver
	if err := r.c.RegisterRoute(NatsxRoute{Biz: BizChatDest, Subject: subjectPrefix + ">"}); err != nil {
		return err
	}
	return r.consumer.Subscribe(BizChatDest, r.handle)
}

// Publish implements chat.Relay.
func (r *Relay) Publish(ctx context.Context, dest string, body []byte, msgID string) error {
	return r.producer.PublishOnce(ctx, SubjectFor(dest), body, nil, msgID)
}

func (r *Relay) Close() error { return r.c.Close() }

func (r *Relay) handle(_ context.Context, msg NatsxMessage) error {
	dest, err := DestinationOf(msg.Subject)
	if err != nil {
		return err
	}
	n := r.deliver(dest, msg.Data, msgIDFromHeader(msg.Header))
	glog.V(2).Infof("[NATS] relayed dest=%s subscribers=%d", dest, n)
	return nil
}

// SubjectFor maps a STOMP destination to a NATS subject. Destinations carry
// '/' and may carry '.', so the tail is base64url.
func SubjectFor(dest string) string {
	return subjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(dest))
}

func DestinationOf(subject string) (string, error) {
	tail, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok || tail == "" {
		return "", errs.ErrBadRequest.WrapMsg("not a relay subject", "subject", subject)
	}
	b, err := base64.RawURLEncoding.DecodeString(tail)
	if err != nil {
		return "", errs.ErrBadRequest.WrapMsg("bad relay subject", "subject", subject)
	}
	return string(b), nil
}
