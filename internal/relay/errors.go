package relay

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrUnsupportedKind  = errors.New("unsupported message kind")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrLineTooLong      = errors.New("line too long")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrSessionClosed    = errors.New("session closed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrServerClosed     = errors.New("server closed")
	ErrAlreadyListening = errors.New("server already listening")
)
