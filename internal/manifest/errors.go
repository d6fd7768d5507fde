package manifest

import "errors"

var (
	ErrSyntax    = errors.New("invalid requirement")
	ErrDuplicate = errors.New("duplicate requirement")
)
