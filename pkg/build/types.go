package build

import (
	"context"
	"fmt"
	"time"

	"github.com/haikuports/kitchen/pkg/depgraph"
)

// Status of a build or of one of its steps. Steps only use pending,
// running, succeeded and failed.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSucceeded          Status = "succeeded"
	StatusPartiallySucceeded Status = "partially-succeeded"
	StatusFailed             Status = "failed"
	StatusStalled            Status = "stalled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallySucceeded, StatusFailed:
		return true
	}
	return false
}

// ArchAny lets a build run on a builder of any architecture.
const ArchAny = "any"

// CommandStep runs a shell command on the builder.
type CommandStep struct {
	Text string `json:"text"`
	// AppendParallelism adds -j<cores> for the assigned builder.
	AppendParallelism bool `json:"appendParallelism,omitempty"`
}

// Action is in-process work done on behalf of a build, such as fetching
// artifacts. A non-nil error that wraps session.ErrDisconnected stalls the
// build; other errors fail the step.
type Action func(ctx context.Context, env ActionEnv) (exitCode int, output string, err error)

// ActionEnv is what an action gets to work with.
type ActionEnv struct {
	BuildID      int
	Architecture string
	Builder      string
	Session      Session
}

// ActionStep runs Handler in the server process.
type ActionStep struct {
	Name    string `json:"name"`
	Handler Action `json:"-"`
}

// Step is either a Command or an Action.
type Step struct {
	Command *CommandStep `json:"command,omitempty"`
	Action  *ActionStep  `json:"action,omitempty"`
	// Node is the dependency graph node this step produces, if any.
	Node string `json:"node,omitempty"`
	// Optional steps may fail without failing the whole build.
	Optional bool `json:"optional,omitempty"`

	Status   Status `json:"status"`
	ExitCode *int   `json:"exitcode,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Describe returns a one-line label for logs and notifications.
func (s *Step) Describe() string {
	switch {
	case s.Command != nil:
		return s.Command.Text
	case s.Action != nil:
		return "action: " + s.Action.Name
	}
	return "(empty step)"
}

func (s *Step) valid() error {
	switch {
	case s.Command != nil && s.Action != nil:
		return fmt.Errorf("step %q is both a command and an action", s.Describe())
	case s.Command == nil && s.Action == nil:
		return fmt.Errorf("step has neither a command nor an action")
	case s.Action != nil && s.Action.Handler == nil:
		return fmt.Errorf("action %q has no handler", s.Action.Name)
	}
	return nil
}

// Spec describes a build to schedule.
type Spec struct {
	Description  string
	Architecture string
	Steps        []Step
	// HandleResult decides whether a finished step passed. When nil, exit
	// code 0 passes. A panic counts as failure.
	HandleResult func(step *Step, exitCode int, output string) bool
	// OnSuccess runs once every required step passed.
	OnSuccess func(ctx context.Context, b Build)
	// Graph links step nodes so a failed step fails its dependants.
	Graph *depgraph.Graph
}

// Build is a scheduled job. Copies handed out by the Scheduler are
// detached from its internal state.
type Build struct {
	ID             int        `json:"id"`
	Description    string     `json:"description"`
	Architecture   string     `json:"architecture"`
	Builder        string     `json:"builder,omitempty"`
	Status         Status     `json:"status"`
	Steps          []*Step    `json:"steps"`
	NextStep       int        `json:"nextStep"`
	SucceededSteps int        `json:"succeededSteps"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	LastTime       time.Time  `json:"lastTime"`

	handleResult func(step *Step, exitCode int, output string) bool
	onSuccess    func(ctx context.Context, b Build)
	graph        *depgraph.Graph
}

// Summary is the list view of a build.
type Summary struct {
	ID           int       `json:"id"`
	Status       Status    `json:"status"`
	Description  string    `json:"description"`
	Architecture string    `json:"architecture"`
	Builder      string    `json:"builder,omitempty"`
	LastTime     time.Time `json:"lastTime"`
	Steps        int       `json:"steps"`
	CurrentStep  int       `json:"curStep"`
}

func (b *Build) summary() Summary {
	return Summary{
		ID:           b.ID,
		Status:       b.Status,
		Description:  b.Description,
		Architecture: b.Architecture,
		Builder:      b.Builder,
		LastTime:     b.LastTime,
		Steps:        len(b.Steps),
		CurrentStep:  b.NextStep,
	}
}

// clone deep-copies the persisted fields.
func (b *Build) clone() Build {
	out := *b
	out.handleResult = nil
	out.onSuccess = nil
	out.graph = nil
	out.Steps = make([]*Step, len(b.Steps))
	for i, s := range b.Steps {
		cp := *s
		if s.Command != nil {
			cmd := *s.Command
			cp.Command = &cmd
		}
		if s.Action != nil {
			act := ActionStep{Name: s.Action.Name}
			cp.Action = &act
		}
		if s.ExitCode != nil {
			code := *s.ExitCode
			cp.ExitCode = &code
		}
		out.Steps[i] = &cp
	}
	if b.StartTime != nil {
		start := *b.StartTime
		out.StartTime = &start
	}
	return out
}
