package build

import (
	"errors"
	"fmt"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrManifestResolution  = errors.New("manifest resolution failed")
	ErrMissingArtifact     = errors.New("missing artifact")
	ErrMissingSource       = errors.New("missing source")
)

// A failure attributed to a single stage.
type StageError struct {
	Platform string // Platform the stage was built for. Empty during preflight.
	Stage    string // Stage label, the quoted name or the 1-based index.
	Err      error
}

func (e *StageError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("platform %s, stage %s: %v", e.Platform, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
