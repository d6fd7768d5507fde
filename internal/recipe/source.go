package recipe

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Prefix marking a base image loaded from a local OCI archive.
const archivePrefix = "oci-archive:"

// Where a stage's base image comes from.
type SourceKind int

const (
	SourceRegistry SourceKind = iota // Pulled from a registry.
	SourceArchive                    // Imported from a local OCI archive.
)

// A parsed base image reference.
type Source struct {
	Kind  SourceKind
	Value string // Normalized reference for registry images, file path for archives.
}

// Formats the source the way it is written in a recipe.
func (s Source) String() string {
	if s.Kind == SourceArchive {
		return archivePrefix + s.Value
	}
	return s.Value
}

// Parses the stage's base image.
func (s Stage) ParseFrom() (Source, error) {
	return ParseSource(s.From)
}

// Parses a base image reference.
//
// "oci-archive:<path>" names a local archive. Anything else must be a
// registry reference pinned to a version: either a digest, or a tag other
// than "latest". Short names are normalized, so "python:3.12-slim" becomes
// "docker.io/library/python:3.12-slim".
func ParseSource(from string) (Source, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return Source{}, fmt.Errorf("%w: empty reference", ErrInvalidSource)
	}

	if p, ok := strings.CutPrefix(from, archivePrefix); ok {
		if p == "" {
			return Source{}, fmt.Errorf("%w: %q has no archive path", ErrInvalidSource, from)
		}
		return Source{Kind: SourceArchive, Value: p}, nil
	}

	named, err := reference.ParseNormalizedNamed(from)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %q: %w", ErrInvalidSource, from, err)
	}

	if !pinned(named) {
		return Source{}, fmt.Errorf("%w: %q needs a version tag or digest", ErrUnpinnedBase, from)
	}

	return Source{Kind: SourceRegistry, Value: named.String()}, nil
}

// Reports whether the reference carries a digest or a tag other than
// "latest".
func pinned(named reference.Named) bool {
	if _, ok := named.(reference.Digested); ok {
		return true
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag() != "latest"
	}
	return false
}
