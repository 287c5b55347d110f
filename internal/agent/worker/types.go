// Package worker implements the C10 agent worker loop: claim a job,
// materialize its argv, spawn the agent process, stream its logs, and
// repeat until lifetime/limbo/halt_claiming says to stop (spec §4.10).
package worker

import "time"

// Resources is the subset of an image's declared resource request the
// worker checks host saturation against before claiming more work (spec
// §2's "Host resource gating"). Zero values disable the corresponding
// check.
type Resources struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// ClaimJobStatus names the three per-tick outcomes of the reference
// agent's claim loop. Loop in worker.go does not use this type; it
// tracks the same outcomes with its own control flow.
type ClaimJobStatus int

const (
	// DidNotClaim means the claim call returned no jobs this tick.
	DidNotClaim ClaimJobStatus = iota
	// ActiveJob means a job was claimed and is now running.
	ActiveJob
	// ExitWhenPossible means lifetime/halt_claiming/limbo says to stop;
	// the loop finishes its current job (if any) and then exits.
	ExitWhenPossible
)

func (s ClaimJobStatus) String() string {
	switch s {
	case DidNotClaim:
		return "did_not_claim"
	case ActiveJob:
		return "active_job"
	case ExitWhenPossible:
		return "exit_when_possible"
	default:
		return "unknown"
	}
}

// Config configures one worker loop instance (spec §4.10, §4's CLI flags
// `--cluster`, `--node`, `--limbo`, `--group`).
type Config struct {
	Group    string
	Pipeline string
	Stage    int
	Image    string
	Cluster  string
	Node     string
	Worker   string

	// MaxLimbo is the number of consecutive empty-claim ticks allowed
	// before voluntary exit.
	MaxLimbo int
	// MaxLifetime is the max wall time this worker will run before
	// voluntarily exiting after its current job. Zero disables the
	// check.
	MaxLifetime time.Duration
	// MaxLifetimeJobs is the max number of jobs this worker will claim
	// before voluntarily exiting. Zero disables the check.
	MaxLifetimeJobs int

	// ClaimLease is how long a claimed job's deadline extends before it
	// is eligible for reclaim by ReclaimExpired.
	ClaimLease time.Duration
	// PollInterval is how long the loop sleeps after an empty claim.
	PollInterval time.Duration
	// ClaimRate caps how many claim attempts per second this worker
	// issues, independent of PollInterval (spec §2's claim-loop pacing).
	ClaimRate float64

	Declared Resources

	// LogDir is where per-job log files are written; defaults to the
	// OS temp directory (spec §4.10: "/tmp/<job-uuid>-thorium.log").
	LogDir string
}

func (c Config) maxLimbo() int {
	if c.MaxLimbo <= 0 {
		return 3
	}
	return c.MaxLimbo
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

func (c Config) claimLease() time.Duration {
	if c.ClaimLease <= 0 {
		return 5 * time.Minute
	}
	return c.ClaimLease
}

func (c Config) claimRate() float64 {
	if c.ClaimRate <= 0 {
		return 1
	}
	return c.ClaimRate
}
