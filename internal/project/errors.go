package project

import "errors"

var ErrDefinition = errors.New("invalid project definition")
