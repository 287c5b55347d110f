package reaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/internal/agent/argbuilder"
)

// PipelineLookup resolves pipeline and image specs by (group, name).
type PipelineLookup interface {
	GetPipeline(ctx context.Context, group, name string) (*Pipeline, error)
	GetImage(ctx context.Context, group, name string) (*Image, error)
}

// JobEnqueuer hands materialized jobs to the C8 queue and cancels a
// reaction's outstanding jobs on failure/cancellation.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job argbuilder.Job, group, pipeline string, stage int, image string, deadline time.Time) error
	CancelForReaction(ctx context.Context, reactionID string) error
}

// Store persists reactions, status updates, and stage logs.
type Store interface {
	SaveReaction(ctx context.Context, r Reaction) error
	GetReaction(ctx context.Context, id string) (*Reaction, error)
	AppendStatusUpdate(ctx context.Context, u StatusUpdate) error
	AppendStageLog(ctx context.Context, line StageLogLine) error
	ListStageLogs(ctx context.Context, reactionID string, stage int, afterSeq int64, limit int) ([]StageLogLine, error)
	ListSubReactions(ctx context.Context, parentID string) ([]Reaction, error)
}

// Engine is the C7 reaction state machine.
type Engine struct {
	store     Store
	pipelines PipelineLookup
	queue     JobEnqueuer
	bans      BansEvaluator
	log       *logging.Logger
	now       func() time.Time
	newID     func() string
}

// New builds a reaction Engine.
func New(store Store, pipelines PipelineLookup, queue JobEnqueuer, bans BansEvaluator, log *logging.Logger) *Engine {
	return &Engine{
		store:     store,
		pipelines: pipelines,
		queue:     queue,
		bans:      bans,
		log:       log,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Create validates the pipeline's bans, creates a reaction against
// inputs, and materializes stage-zero jobs (spec §4.7's Create
// transition).
func (e *Engine) Create(ctx context.Context, group, pipelineName string, inputs InputSet) (*Reaction, error) {
	return e.create(ctx, group, pipelineName, inputs, "")
}

// CreateSubReaction creates a reaction whose parent is parentID. A
// generator image may spawn these; the parent pipeline can declare it
// must wait for all sub-reactions before completing (spec §4.7).
func (e *Engine) CreateSubReaction(ctx context.Context, parentID, group, pipelineName string, inputs InputSet) (*Reaction, error) {
	if parentID == "" {
		return nil, errors.MissingParameter("parent_id")
	}
	return e.create(ctx, group, pipelineName, inputs, parentID)
}

func (e *Engine) create(ctx context.Context, group, pipelineName string, inputs InputSet, parentID string) (*Reaction, error) {
	if group == "" {
		return nil, errors.MissingParameter("group")
	}
	if pipelineName == "" {
		return nil, errors.MissingParameter("pipeline")
	}

	pipeline, err := e.pipelines.GetPipeline(ctx, group, pipelineName)
	if err != nil {
		return nil, err
	}
	if len(pipeline.Stages) == 0 {
		return nil, errors.InvalidInput("pipeline", "has no stages")
	}
	if banned, reason, err := e.bans.Evaluate(pipeline.Bans, map[string]interface{}{"group": group, "pipeline": pipelineName}); err != nil {
		return nil, err
	} else if banned {
		return nil, errors.Forbidden("pipeline banned: " + reason)
	}

	r := Reaction{
		ID:          e.newID(),
		Group:       group,
		Pipeline:    pipelineName,
		ParentID:    parentID,
		Status:      StatusCreated,
		StageStatus: map[int]StageStatus{},
		Inputs:      inputs,
		CreatedAt:   e.now(),
	}

	if err := e.materializeStage(ctx, pipeline, &r, 0); err != nil {
		return nil, err
	}

	r.Status = StatusStarted
	if err := e.store.SaveReaction(ctx, r); err != nil {
		return nil, err
	}
	e.transition(ctx, r.ID, StatusCreated, StatusStarted)
	return &r, nil
}

// materializeStage fans out jobs for pipeline.Stages[stage] against the
// reaction's inputs, per each image's generator flag (spec §4.7: "for
// each stage-zero image, materialize one or more jobs... fan out per
// input according to the image's generator flag").
func (e *Engine) materializeStage(ctx context.Context, pipeline *Pipeline, r *Reaction, stage int) error {
	deadline := e.now().Add(pipeline.SLA)
	if pipeline.SLA <= 0 {
		deadline = e.now().Add(24 * time.Hour)
	}

	total := 0
	for _, imageName := range pipeline.Stages[stage].Images {
		image, err := e.pipelines.GetImage(ctx, pipeline.Group, imageName)
		if err != nil {
			return err
		}
		if banned, reason, err := e.bans.Evaluate(image.Bans, map[string]interface{}{"image": imageName}); err != nil {
			return err
		} else if banned {
			return errors.Forbidden("image " + imageName + " banned: " + reason)
		}

		jobs := e.fanOut(image, r)
		for _, job := range jobs {
			job.ReactionID = r.ID
			if err := e.queue.Enqueue(ctx, job, pipeline.Group, pipeline.Name, stage, imageName, deadline); err != nil {
				return err
			}
			total++
		}
	}

	r.CurrentStage = stage
	r.StageStatus[stage] = StageStatus{TotalJobs: total}
	return nil
}

// fanOut builds the jobs a single image produces at stage materialization
// time: generators always produce exactly one job (which will later
// inject --reaction/--job kwargs via argbuilder); non-generators produce
// one job per sample and one job per repo in the reaction's inputs, or a
// single ephemeral-only job when neither is present.
func (e *Engine) fanOut(image *Image, r *Reaction) []argbuilder.Job {
	base := argbuilder.Job{
		ID:        e.newID(),
		Generator: image.Generator,
		Opts: argbuilder.Opts{
			OverridePositionals: image.Opts.OverridePositionals,
			OverrideKwargs:      image.Opts.OverrideKwargs,
			OverrideCmd:         image.Opts.OverrideCmd,
		},
		Ephemeral: toDependencySet(r.Inputs.Ephemeral),
		Tags:      toDependencySet(tagKeys(r.Inputs.Tags)),
	}

	if image.Generator {
		job := base
		job.ID = e.newID()
		return []argbuilder.Job{job}
	}

	var jobs []argbuilder.Job
	for _, sha := range r.Inputs.Samples {
		job := base
		job.ID = e.newID()
		job.Samples = toDependencySet([]string{sha})
		jobs = append(jobs, job)
	}
	for _, url := range r.Inputs.Repos {
		job := base
		job.ID = e.newID()
		job.Repos = []argbuilder.RepoDependency{{URL: url}}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		job := base
		job.ID = e.newID()
		jobs = append(jobs, job)
	}
	return jobs
}

func toDependencySet(names []string) argbuilder.DependencySet {
	set := argbuilder.DependencySet{}
	for _, n := range names {
		set.Items = append(set.Items, argbuilder.DependencyItem{Name: n})
	}
	return set
}

func tagKeys(tags map[string][]string) []string {
	var out []string
	for k := range tags {
		out = append(out, k)
	}
	return out
}

// Proceed is called by a worker when a job in `stage` completes. It
// advances the stage's completion counters and, when the stage is fully
// done, either fails the reaction (if any job failed) or materializes
// the next stage, or completes the reaction if there is none (spec
// §4.7's proceed transition).
func (e *Engine) Proceed(ctx context.Context, reactionID string, stage int, outcome JobOutcome) error {
	r, err := e.store.GetReaction(ctx, reactionID)
	if err != nil {
		return err
	}
	if r.Status.terminal() {
		return nil // late completion report for an already-settled reaction
	}
	if stage != r.CurrentStage {
		return nil // stale report from a superseded stage
	}

	status := r.StageStatus[stage]
	if outcome.Failed {
		status.FailedJobs++
	} else {
		status.CompletedJobs++
	}
	r.StageStatus[stage] = status

	if !status.done() {
		return e.store.SaveReaction(ctx, *r)
	}

	if status.FailedJobs > 0 {
		return e.fail(ctx, r, fmt.Sprintf("stage %d had failed jobs", stage))
	}

	pipeline, err := e.pipelines.GetPipeline(ctx, r.Group, r.Pipeline)
	if err != nil {
		return err
	}

	if pipeline.WaitForSubReactions {
		subs, err := e.store.ListSubReactions(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if !sub.Status.terminal() {
				return e.store.SaveReaction(ctx, *r) // hold at this stage until sub-reactions settle
			}
		}
	}

	next := stage + 1
	if next >= len(pipeline.Stages) {
		from := r.Status
		r.Status = StatusCompleted
		if err := e.store.SaveReaction(ctx, *r); err != nil {
			return err
		}
		e.transition(ctx, r.ID, from, StatusCompleted)
		return nil
	}

	if err := e.materializeStage(ctx, pipeline, r, next); err != nil {
		return err
	}
	return e.store.SaveReaction(ctx, *r)
}

// Fail marks a reaction Failed and cancels its outstanding jobs.
func (e *Engine) Fail(ctx context.Context, reactionID, reason string) error {
	r, err := e.store.GetReaction(ctx, reactionID)
	if err != nil {
		return err
	}
	return e.fail(ctx, r, reason)
}

func (e *Engine) fail(ctx context.Context, r *Reaction, reason string) error {
	if r.Status.terminal() {
		return nil
	}
	from := r.Status
	r.Status = StatusFailed
	if err := e.store.SaveReaction(ctx, *r); err != nil {
		return err
	}
	if err := e.queue.CancelForReaction(ctx, r.ID); err != nil {
		return err
	}
	e.transitionWithMessage(ctx, r.ID, from, StatusFailed, reason)
	return nil
}

// Cancel transitions a reaction to Cancelled from any non-terminal state
// (spec §4.7).
func (e *Engine) Cancel(ctx context.Context, reactionID string) error {
	r, err := e.store.GetReaction(ctx, reactionID)
	if err != nil {
		return err
	}
	if r.Status.terminal() {
		return errors.Conflict("reaction is already in a terminal state")
	}
	from := r.Status
	r.Status = StatusCancelled
	if err := e.store.SaveReaction(ctx, *r); err != nil {
		return err
	}
	if err := e.queue.CancelForReaction(ctx, r.ID); err != nil {
		return err
	}
	e.transition(ctx, r.ID, from, StatusCancelled)
	return nil
}

func (e *Engine) transition(ctx context.Context, id string, from, to Status) {
	e.transitionWithMessage(ctx, id, from, to, "")
}

func (e *Engine) transitionWithMessage(ctx context.Context, id string, from, to Status, message string) {
	_ = e.store.AppendStatusUpdate(ctx, StatusUpdate{ReactionID: id, At: e.now(), From: from, To: to, Message: message})
	if e.log != nil {
		e.log.LogReactionTransition(ctx, id, string(from), string(to))
	}
}

// AppendStageLog appends one line to a stage's append-only log.
func (e *Engine) AppendStageLog(ctx context.Context, line StageLogLine) error {
	if line.At.IsZero() {
		line.At = e.now()
	}
	return e.store.AppendStageLog(ctx, line)
}

// ListStageLogs paginates a stage's stdout/stderr log.
func (e *Engine) ListStageLogs(ctx context.Context, reactionID string, stage int, afterSeq int64, limit int) ([]StageLogLine, error) {
	return e.store.ListStageLogs(ctx, reactionID, stage, afterSeq, limit)
}
