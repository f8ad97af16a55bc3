package errs

const (
	BadRequest          = 400
	Unauthorized        = 401
	Forbidden           = 403
	NotFound            = 404
	ServerInternalError = 500

	ConnectionFailed    = 1001
	NotConnected        = 1002
	TransientDisconnect = 1003
	FatalDisconnect     = 1004
	MessageParse        = 1005
	RoomClosed          = 1006
	Timeout             = 1007
	AlreadyConnected    = 1008
	AssignConflict      = 1009
	NoRoomSelected      = 1010
	HeartbeatLost       = 1011
	SessionClosed       = 1012
)

var (
	ErrBadRequest   = NewCodeError(BadRequest, "bad request")
	ErrUnauthorized = NewCodeError(Unauthorized, "unauthorized")
	ErrForbidden    = NewCodeError(Forbidden, "forbidden")
	ErrNotFound     = NewCodeError(NotFound, "not found")
	ErrInternal     = NewCodeError(ServerInternalError, "internal error")

	ErrConnection          = NewCodeError(ConnectionFailed, "connection failed")
	ErrNotConnected        = NewCodeError(NotConnected, "not connected")
	ErrTransientDisconnect = NewCodeError(TransientDisconnect, "connection dropped")
	ErrFatalDisconnect     = NewCodeError(FatalDisconnect, "reconnect attempts exhausted")
	ErrMessageParse        = NewCodeError(MessageParse, "malformed message payload")
	ErrRoomClosed          = NewCodeError(RoomClosed, "chat room is closed")
	ErrTimeout             = NewCodeError(Timeout, "request timed out")
	ErrAlreadyConnected    = NewCodeError(AlreadyConnected, "already connected")
	ErrAssignConflict      = NewCodeError(AssignConflict, "room already assigned")
	ErrNoRoomSelected      = NewCodeError(NoRoomSelected, "no room selected")
	ErrHeartbeatLost       = NewCodeError(HeartbeatLost, "heartbeat lost")
	ErrSessionClosed       = NewCodeError(SessionClosed, "session closed")
)

// HTTPStatus maps a code onto the status the REST layer answers with.
func HTTPStatus(code int) int {
	switch code {
	case BadRequest, RoomClosed, NoRoomSelected:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case AssignConflict:
		return 409
	case Timeout:
		return 504
	default:
		return 500
	}
}
