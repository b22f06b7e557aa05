package protocol

import "errors"

var (
	ErrProtocol    = errors.New("protocol error")
	ErrUnavailable = errors.New("daemon unavailable")
)
