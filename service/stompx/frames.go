package stompx

import (
	"github.com/go-stomp/stomp/v3/frame"
)

// DestErrors is the per-session queue the gateway reports refused SENDs on.
const DestErrors = "/user/queue/errors"

// Rejection is the body of a MESSAGE on DestErrors.
type Rejection struct {
	Code        int    `json:"code"`
	Msg         string `json:"msg"`
	Destination string `json:"destination,omitempty"`
}

// ---- client frames ----

func Connect(host, token string, hb HeartBeat) *frame.Frame {
	f := frame.New(frame.CONNECT,
		HdrAcceptVersion, Version,
		HdrHost, host,
		HdrHeartBeat, hb.String(),
	)
	if token != "" {
		f.Header.Set(HdrAuthorization, "Bearer "+token)
	}
	return f
}

func Subscribe(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE, HdrID, id, HdrDestination, destination, "ack", "auto")
}

func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, HdrID, id)
}

func Send(destination string, body []byte, headers map[string]string) *frame.Frame {
	f := frame.New(frame.SEND, HdrDestination, destination, HdrContentType, JSONContentType)
	for k, v := range headers {
		f.Header.Set(k, v)
	}
	f.Body = body
	return f
}

func Disconnect(receipt string) *frame.Frame {
	if receipt == "" {
		return frame.New(frame.DISCONNECT)
	}
	return frame.New(frame.DISCONNECT, HdrReceipt, receipt)
}

// ---- server frames ----

func Connected(session, server string, hb HeartBeat) *frame.Frame {
	return frame.New(frame.CONNECTED,
		HdrVersion, Version,
		HdrHeartBeat, hb.String(),
		HdrSession, session,
		HdrServer, server,
	)
}

func Message(destination, subscription, messageID string, body []byte) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		HdrDestination, destination,
		HdrSubscription, subscription,
		HdrMessageID, messageID,
		HdrContentType, JSONContentType,
	)
	f.Body = body
	return f
}

func Receipt(receiptID string) *frame.Frame {
	return frame.New(frame.RECEIPT, HdrReceiptID, receiptID)
}

// Error builds an ERROR frame; receiptID is echoed when the failing frame asked for one.
func Error(message, detail, receiptID string) *frame.Frame {
	f := frame.New(frame.ERROR, HdrMessage, message, HdrContentType, "text/plain")
	if receiptID != "" {
		f.Header.Set(HdrReceiptID, receiptID)
	}
	if detail != "" {
		f.Body = []byte(detail)
	}
	return f
}
