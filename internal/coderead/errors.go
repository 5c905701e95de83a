package coderead

import "errors"

var (
	errEmptyPath       = errors.New("coderead: path is required")
	errPathEscapesRoot = errors.New("coderead: path escapes workspace root")
)
