package cache

import "errors"

var (
	ErrIndexClosed   = errors.New("cache index is closed")
	ErrInvalidRecord = errors.New("invalid cache record")
)
