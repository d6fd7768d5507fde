package recipe

import "errors"

var (
	ErrInvalidRecipe = errors.New("invalid recipe")
	ErrInvalidSource = errors.New("invalid base image")
	ErrUnpinnedBase  = errors.New("base image is not pinned")
	ErrNotAllowed    = errors.New("operation not allowed in sealed stage")
	ErrNotRenderable = errors.New("recipe cannot be rendered as a Dockerfile")
)
