package protocol

// Asks the daemon to build the project at Root.
//
// Paths must be absolute, since the daemon does not share the client's
// working directory.
type BuildRequest struct {
	Root       string   `json:"root"`                 // Project root.
	Definition string   `json:"definition,omitempty"` // Definition file. Empty uses pyslim.toml when present.
	Output     string   `json:"output,omitempty"`     // Overrides the definition's output directory.
	Platforms  []string `json:"platforms,omitempty"`  // Overrides the definition's platforms.
}

// Outcome of a stage, as reported to clients.
type StageStatus struct {
	Platform string `json:"platform"`
	Stage    string `json:"stage"`
	State    string `json:"state"` // "pending", "built" or "failed".
}

// Reply to a successful build.
type BuildResult struct {
	Output   string        `json:"output"`
	Image    string        `json:"image"`
	Archives []string      `json:"archives"`
	Inputs   string        `json:"inputs"`
	Stages   []StageStatus `json:"stages"`
}

// Reply to a status command.
type StatusResult struct {
	Running  bool   `json:"running"`
	Version  string `json:"version"`
	Pid      int    `json:"pid"`
	Uptime   string `json:"uptime"`
	Builds   int    `json:"builds"`   // Builds that completed successfully.
	Failures int    `json:"failures"` // Builds that failed.
	Active   int    `json:"active"`   // Builds in progress.
}

// Failure categories carried by [ErrorResult].
const (
	KindManifestResolution = "manifest-resolution"
	KindMissingArtifact    = "missing-artifact"
	KindMissingSource      = "missing-source"
)

// Reply to a failed command.
type ErrorResult struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`  // One of the Kind constants, when the failure has a category.
	Stage   string `json:"stage,omitempty"` // Label of the failed stage, when a stage failed.
}
