// Package api is the REST collaborator the chat sessions call for room
// lifecycle and history. Every call is bounded by Config.Timeout.
package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"SupportChat/logger"
	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	Token   string
	// TokenSource wins over Token when set, so rotated tokens are picked up.
	TokenSource func(ctx context.Context) (string, error)
	Timeout     time.Duration
	Logger      *zap.Logger
}

func (c *Config) norm() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.Named("chat.api")
	}
}

type Client struct {
	conf Config
	rc   *resty.Client
}

// envelope is the {code,msg,data} wrapper every endpoint answers with.
type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func New(conf Config) *Client {
	conf.norm()
	rc := resty.New().
		SetBaseURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetHeader("Accept", "application/json")
	c := &Client{conf: conf, rc: rc}
	rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		tok, err := c.token(r.Context())
		if err != nil {
			return errs.ErrUnauthorized.WrapMsg("token source", "err", err)
		}
		if tok != "" {
			r.SetAuthToken(tok)
		}
		return nil
	})
	return c
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.conf.TokenSource != nil {
		return c.conf.TokenSource(ctx)
	}
	return c.conf.Token, nil
}

// ===== 六个接口 =====

func (c *Client) GetChatRoom(ctx context.Context, customerID string) (model.ChatRoom, error) {
	var out envelope[model.ChatRoom]
	err := c.do(ctx, "getChatRoom", http.MethodGet, "/api/chat/rooms/customer/{customerId}",
		map[string]string{"customerId": customerID}, nil, &out)
	return out.Data, err
}

// GetMessageHistory returns page (0-based) of the room's messages, newest first.
func (c *Client) GetMessageHistory(ctx context.Context, roomID string, page, size int) (model.Page[model.ChatMessage], error) {
	var out envelope[model.Page[model.ChatMessage]]
	err := c.do(ctx, "getMessageHistory", http.MethodGet, "/api/chat/rooms/{roomId}/messages",
		map[string]string{"roomId": roomID},
		map[string]string{"page": strconv.Itoa(page), "size": strconv.Itoa(size)}, &out)
	return out.Data, err
}

func (c *Client) MarkMessagesAsRead(ctx context.Context, roomID string) error {
	var out envelope[any]
	return c.do(ctx, "markMessagesAsRead", http.MethodPut, "/api/chat/rooms/{roomId}/read",
		map[string]string{"roomId": roomID}, nil, &out)
}

// AssignStaff fails with ErrAssignConflict when another staff member got there first.
func (c *Client) AssignStaff(ctx context.Context, roomID, staffID string) (model.ChatRoom, error) {
	var out envelope[model.ChatRoom]
	err := c.do(ctx, "assignStaff", http.MethodPut, "/api/chat/rooms/{roomId}/assign",
		map[string]string{"roomId": roomID}, map[string]string{"staffId": staffID}, &out)
	return out.Data, err
}

func (c *Client) CloseChatRoom(ctx context.Context, roomID string) (model.ChatRoom, error) {
	var out envelope[model.ChatRoom]
	err := c.do(ctx, "closeChatRoom", http.MethodPut, "/api/chat/rooms/{roomId}/close",
		map[string]string{"roomId": roomID}, nil, &out)
	return out.Data, err
}

func (c *Client) GetAllActiveChatRooms(ctx context.Context, page, size int) (model.Page[model.ChatRoom], error) {
	var out envelope[model.Page[model.ChatRoom]]
	err := c.do(ctx, "getAllActiveChatRooms", http.MethodGet, "/api/chat/rooms/active", nil,
		map[string]string{"page": strconv.Itoa(page), "size": strconv.Itoa(size)}, &out)
	return out.Data, err
}

// ===== 公共 =====

type codeCarrier interface{ code() (int, string) }

func (e *envelope[T]) code() (int, string) { return e.Code, e.Msg }

func (c *Client) do(ctx context.Context, op, method, path string, pathParams, query map[string]string, out codeCarrier) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	start := time.Now()
	req := c.rc.R().SetContext(ctx).SetResult(out).SetError(out)
	if pathParams != nil {
		req.SetPathParams(pathParams)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		if isTimeout(err) || ctx.Err() == context.DeadlineExceeded {
			c.conf.Logger.Warn("request timed out", zap.String("op", op), zap.Duration("after", time.Since(start)))
			return errs.ErrTimeout.WrapMsg(op, "timeout", c.conf.Timeout)
		}
		if ce, ok := errs.As(err); ok {
			return errs.Wrap(ce)
		}
		return errs.ErrInternal.WrapMsg(op, "err", err)
	}

	code, msg := out.code()
	if resp.IsError() {
		return statusError(op, resp.StatusCode(), code, msg)
	}
	if code != 0 && code != http.StatusOK {
		return errs.NewCodeError(code, msg).WrapMsg(op)
	}
	c.conf.Logger.Debug("rest call", zap.String("op", op), zap.Int("status", resp.StatusCode()), zap.Duration("took", time.Since(start)))
	return nil
}

func statusError(op string, status, code int, msg string) error {
	if code != 0 && code != http.StatusOK && code != status {
		return errs.NewCodeError(code, msg).WrapMsg(op, "status", status)
	}
	switch status {
	case http.StatusBadRequest:
		return errs.ErrBadRequest.WrapMsg(op, "msg", msg)
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized.WrapMsg(op)
	case http.StatusForbidden:
		return errs.ErrForbidden.WrapMsg(op)
	case http.StatusNotFound:
		return errs.ErrNotFound.WrapMsg(op, "msg", msg)
	case http.StatusConflict:
		return errs.ErrAssignConflict.WrapMsg(op, "msg", msg)
	case http.StatusGatewayTimeout:
		return errs.ErrTimeout.WrapMsg(op)
	default:
		return errs.ErrInternal.WrapMsg(op, "status", status, "msg", msg)
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
