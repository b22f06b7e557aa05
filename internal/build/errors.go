package build

import "errors"

var (
	ErrBuild  = errors.New("build failed")
	ErrOutput = errors.New("cannot write build output")
	ErrCopy   = errors.New("copy failed")
	ErrExport = errors.New("image export failed")
)
