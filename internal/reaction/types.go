// Package reaction implements the C7 pipeline/image specs and reaction
// state machine (spec §4.6, §4.7): validating pipeline bans, fanning out
// stage-zero and subsequent-stage jobs, advancing stages as jobs
// complete, and recording append-only stage logs.
package reaction

import (
	"time"

	"github.com/thorium-research/thorium/internal/agent/argbuilder"
)

// Status is a reaction's lifecycle state (spec §3.4).
type Status string

const (
	StatusCreated   Status = "created"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BanRule is one boolean expression evaluated against a reaction/job
// context before a pipeline or image is allowed to run (spec §4.7's
// "validate pipeline has no bans").
type BanRule struct {
	Name  string
	Logic string // JavaScript boolean expression, evaluated by a BansEvaluator
}

// OutputHandler selects how a tool's result artifacts are collected.
type OutputHandler string

const (
	OutputHandlerFiles OutputHandler = "files"
)

// AutoTag is one output-collection rule that derives a tag from a
// results document (spec §4.6).
type AutoTag struct {
	Key   string
	Logic string // jsonpath/gval expression against the results document
}

// OutputCollection is an image's `output_collection` declaration.
type OutputCollection struct {
	Handler                  OutputHandler
	ResultsFile              string
	ResultFilesDir           string
	AutoTags                 []AutoTag
	ChildrenSubmissionGroups []string
	GroupOverride            []string
}

// Image is the full tool spec (spec §3.1): identity, argv defaults,
// dependency injection, output collection, and bans. Generator fan-out
// is a property of the image, not of any one job it produces.
type Image struct {
	Group     string
	Name      string
	Version   string
	Generator bool

	Entrypoint   []string
	Command      []string
	Args         argbuilder.ImageArgs
	Dependencies argbuilder.Dependencies
	Opts         argbuilder.Opts

	OutputCollection OutputCollection
	Bans             []BanRule
}

// Stage is a parallel set of image names run at one position in a
// pipeline.
type Stage struct {
	Images []string
}

// Pipeline is `(group, name)` with ordered stages (spec §3.1).
type Pipeline struct {
	Group       string
	Name        string
	Description string
	Stages      []Stage
	SLA         time.Duration
	Bans        []BanRule
	// WaitForSubReactions holds parent-stage completion until every
	// sub-reaction a generator spawned from this pipeline also completes.
	WaitForSubReactions bool
}

// InputSet is the concrete input a reaction runs a pipeline against.
type InputSet struct {
	Samples         []string
	Repos           []string
	Ephemeral       []string
	Tags            map[string][]string
	ParentEphemeral map[string]string
}

// StageStatus tracks a stage's completion counters.
type StageStatus struct {
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
}

func (s StageStatus) done() bool {
	return s.TotalJobs > 0 && s.CompletedJobs+s.FailedJobs >= s.TotalJobs
}

// Reaction is an instance of a pipeline against a concrete InputSet
// (spec §3.1).
type Reaction struct {
	ID           string
	Group        string
	Pipeline     string
	ParentID     string // non-empty for sub-reactions
	Status       Status
	CurrentStage int
	StageStatus  map[int]StageStatus
	Inputs       InputSet
	CreatedAt    time.Time
}

// StatusUpdate is one append-only transition record (spec §4.7).
type StatusUpdate struct {
	ReactionID string
	At         time.Time
	From       Status
	To         Status
	Message    string
}

// StageLogLine is one append-only line of a stage's stdout/stderr,
// keyed by (reaction, stage) with a monotonic per-stage sequence number
// for paginated reads (spec §4.7).
type StageLogLine struct {
	Reaction string
	Stage    int
	Seq      int64
	Stream   string // stdout|stderr
	Line     string
	At       time.Time
}

// JobOutcome is what a worker reports back to Proceed when a job in a
// stage completes.
type JobOutcome struct {
	JobID  string
	Failed bool
}
