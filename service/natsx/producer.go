package natsx

import (
	"context"

	"SupportChat/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// PublishOnce 发到 subject，带 Nats-Msg-Id 供对端去重
func (p *NatsxProducer) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	if msgID != "" {
		msg.Header.Set(HdrMsgID, msgID)
	}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "nats publish", "subject", subject)
	}
	return nil
}
