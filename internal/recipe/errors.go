package recipe

import "errors"

var (
	ErrRead    = errors.New("failed to read recipe")
	ErrInvalid = errors.New("invalid recipe")
)
