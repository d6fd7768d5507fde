package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	undefined  = "(undefined)" // Placeholder for unset linker variables.
	localBuild = "(local)"     // Reported in place of a version for local builds.
	mainBranch = "main"        // Branch whose name is omitted from version strings.
)

// Set via -ldflags "-X github.com/cruciblehq/pyslim/internal.<name>=<value>".
var (
	version   = ""
	stage     = ""
	gitCommit = ""

	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
)

// Returns the release version without a leading "v", or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the binary was built from, or "(undefined)".
func Stage() string {
	s := strings.ToLower(strings.TrimSpace(stage))
	if s == "" {
		return undefined
	}
	return s
}

// Returns the git commit the binary was built from, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return undefined
	}
	return c
}

// Returns the architecture the binary was compiled for.
func Arch() string {
	return runtime.GOARCH
}

// Reports whether any of the release variables is missing, which is the case
// for binaries built outside the release pipeline.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns "(local)" for local builds and "<version>[+<stage>] <commit> [<arch>]"
// otherwise. The stage suffix is omitted for the main branch.
func VersionString() string {
	if IsLocal() {
		return localBuild
	}

	suffix := ""
	if s := Stage(); s != mainBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), Arch())
}
