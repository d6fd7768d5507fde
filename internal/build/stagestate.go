package build

import "fmt"

// Lifecycle of a stage within one build.
type StageState int

const (
	StagePending StageState = iota // Not started, or not reached because an earlier stage failed.
	StageBuilt                     // All steps ran and imports were copied.
	StageFailed                    // Halted the pipeline.
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageBuilt:
		return "built"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("StageState(%d)", int(s))
	}
}

// Reports whether the state is final.
func (s StageState) Terminal() bool {
	return s == StageBuilt || s == StageFailed
}

// Outcome of a single stage.
type StageReport struct {
	Platform string     `json:"platform"`
	Stage    string     `json:"stage"`
	State    StageState `json:"state"`
}

func (s StageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StageState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StagePending
	case "built":
		*s = StageBuilt
	case "failed":
		*s = StageFailed
	default:
		return fmt.Errorf("unknown stage state %q", b)
	}
	return nil
}

// Moves the report to a terminal state. Only pending stages may move, and
// only to built or failed.
func (r *StageReport) transition(to StageState) error {
	if r.State != StagePending || !to.Terminal() {
		return fmt.Errorf("%w: stage %s: %s -> %s", ErrBuild, r.Stage, r.State, to)
	}
	r.State = to
	return nil
}
