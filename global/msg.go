package global

import (
	"SupportChat/tools/errs"
)

// Msg is the REST envelope; Code 200 is success, anything else an errs code.
type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

func Fail(err error) *Msg {
	if ce, ok := errs.As(err); ok {
		msg := ce.Msg
		if ce.Detail != "" {
			msg += ": " + ce.Detail
		}
		return &Msg{Code: ce.Code, Msg: msg}
	}
	return &Msg{Code: errs.ServerInternalError, Msg: err.Error()}
}
