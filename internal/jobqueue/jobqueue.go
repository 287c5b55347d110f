// Package jobqueue implements the C8 deadline-ordered claim protocol: one
// Redis sorted set per (group, pipeline, stage, cluster, node, image)
// queue key, scored by deadline, plus a claimed-set used to detect and
// reclaim jobs whose worker never heartbeat (spec §4.8).
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/infrastructure/metrics"
	"github.com/thorium-research/thorium/internal/agent/argbuilder"
)

// Status is a job's lifecycle state (spec §3.4).
type Status string

const (
	StatusPending   Status = "created"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSleeping  Status = "sleeping"
	StatusCancelled Status = "cancelled"
)

// anyCluster/anyNode are the wildcard claim-key dimensions reactions
// enqueue under; a worker's Claim call always drains the wildcard bucket
// for its (group, pipeline, stage, image), and its node/worker arguments
// only label the claimed records (ClaimedBy). Per-image cluster/node
// affinity scheduling is out of scope here.
const (
	anyCluster = "any"
	anyNode    = "any"
)

// Key names one claim queue.
type Key struct {
	Group    string
	Pipeline string
	Stage    int
	Cluster  string
	Node     string
	Image    string
}

func (k Key) pendingSet(namespace string) string {
	return fmt.Sprintf("%s:jobs:pending:%s:%s:%d:%s:%s:%s", namespace, k.Group, k.Pipeline, k.Stage, k.Cluster, k.Node, k.Image)
}

// Record is one queued job: its materialized argv inputs, scheduling
// metadata, and lifecycle state.
type Record struct {
	ID          string
	Key         Key
	ReactionID  string
	Job         argbuilder.Job
	Deadline    time.Time
	Attempts    int
	MaxAttempts int
	Status      Status
	ClaimedBy   string // "<node>:<worker>"
}

// Config configures a Queue's Redis connection and defaults.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Namespace   string
	MaxAttempts int
}

// Queue is the C8 Redis-backed job queue.
type Queue struct {
	client      *redis.Client
	namespace   string
	maxAttempts int
	log         *logging.Logger
	metrics     *metrics.Metrics
}

// Connect dials Redis and returns a ready Queue.
func Connect(cfg Config, log *logging.Logger, m *metrics.Metrics) (*Queue, error) {
	if cfg.Namespace == "" {
		return nil, errors.MissingParameter("namespace")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Unavailable("redis", err)
	}
	return &Queue{client: client, namespace: cfg.Namespace, maxAttempts: maxAttempts, log: log, metrics: m}, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) jobDataKey(id string) string {
	return fmt.Sprintf("%s:jobs:data:%s", q.namespace, id)
}

func (q *Queue) claimedSetKey() string {
	return fmt.Sprintf("%s:jobs:claimed", q.namespace)
}

func (q *Queue) reactionJobsKey(reactionID string) string {
	return fmt.Sprintf("%s:jobs:by-reaction:%s", q.namespace, reactionID)
}

// Push enqueues one job record onto its (group, pipeline, stage, image)
// wildcard queue.
func (q *Queue) Push(ctx context.Context, group, pipeline string, stage int, image string, job argbuilder.Job, deadline time.Time) error {
	key := Key{Group: group, Pipeline: pipeline, Stage: stage, Cluster: anyCluster, Node: anyNode, Image: image}
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := Record{
		ID:          id,
		Key:         key,
		ReactionID:  job.ReactionID,
		Job:         job,
		Deadline:    deadline,
		MaxAttempts: q.maxAttempts,
		Status:      StatusPending,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Internal("marshal job record", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobDataKey(id), data, 0)
	pipe.ZAdd(ctx, key.pendingSet(q.namespace), &redis.Z{Score: float64(deadline.Unix()), Member: id})
	if job.ReactionID != "" {
		pipe.SAdd(ctx, q.reactionJobsKey(job.ReactionID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StoreError("push", err)
	}
	return nil
}

// Enqueue implements reaction.JobEnqueuer over Push, matching the
// signature the reaction engine calls at stage materialization time.
func (q *Queue) Enqueue(ctx context.Context, job argbuilder.Job, group, pipeline string, stage int, image string, deadline time.Time) error {
	return q.Push(ctx, group, pipeline, stage, image, job, deadline)
}

// claimScript atomically moves up to n pending job ids into the claimed
// set, scoring them with the new deadline. Returns the claimed ids; Claim
// records the claimed-by label on each job record afterwards.
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local claimed = KEYS[2]
local n = tonumber(ARGV[1])
local newDeadline = tonumber(ARGV[2])
local ids = redis.call('ZRANGE', pending, 0, n - 1)
for _, id in ipairs(ids) do
	redis.call('ZREM', pending, id)
	redis.call('ZADD', claimed, newDeadline, id)
end
return ids
`)

// Claim atomically moves up to n pending job ids for (group, pipeline,
// stage, image) into claimed-by(node, worker) and returns their full
// records (spec §4.8's claim operation).
func (q *Queue) Claim(ctx context.Context, group, pipeline string, stage int, image, node, worker string, n int, deadline time.Time) ([]Record, error) {
	key := Key{Group: group, Pipeline: pipeline, Stage: stage, Cluster: anyCluster, Node: anyNode, Image: image}
	res, err := claimScript.Run(ctx, q.client, []string{key.pendingSet(q.namespace), q.claimedSetKey()}, n, deadline.Unix()).Result()
	if err != nil {
		return nil, errors.StoreError("claim", err)
	}
	ids, ok := res.([]interface{})
	if !ok {
		return nil, errors.Internal("unexpected claim script result", nil)
	}

	var records []Record
	for _, raw := range ids {
		id, _ := raw.(string)
		rec, err := q.loadRecord(ctx, id)
		if err != nil {
			continue
		}
		rec.Status = StatusClaimed
		rec.ClaimedBy = node + ":" + worker
		rec.Deadline = deadline
		rec.Attempts++
		if err := q.saveRecord(ctx, *rec); err != nil {
			continue
		}
		records = append(records, *rec)
	}
	if len(records) > 0 {
		if q.log != nil {
			q.log.LogJobClaim(ctx, node, anyCluster, len(records))
		}
		if q.metrics != nil {
			q.metrics.RecordJobClaim(node, anyCluster, len(records))
		}
	}
	return records, nil
}

func (q *Queue) loadRecord(ctx context.Context, id string) (*Record, error) {
	data, err := q.client.Get(ctx, q.jobDataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.StoreError("get", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Corrupted("job record", err)
	}
	return &rec, nil
}

func (q *Queue) saveRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Internal("marshal job record", err)
	}
	return q.client.Set(ctx, q.jobDataKey(rec.ID), data, 0).Err()
}

// Heartbeat extends a claimed job's deadline, preventing it from being
// reclaimed.
func (q *Queue) Heartbeat(ctx context.Context, id string, newDeadline time.Time) error {
	rec, err := q.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Deadline = newDeadline
	if err := q.client.ZAdd(ctx, q.claimedSetKey(), &redis.Z{Score: float64(newDeadline.Unix()), Member: id}).Err(); err != nil {
		return errors.StoreError("heartbeat", err)
	}
	return q.saveRecord(ctx, *rec)
}

// Complete marks a claimed job done and removes it from the claimed set.
func (q *Queue) Complete(ctx context.Context, id string, failed bool) error {
	rec, err := q.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	if failed {
		rec.Status = StatusFailed
	}
	if err := q.client.ZRem(ctx, q.claimedSetKey(), id).Err(); err != nil {
		return errors.StoreError("complete", err)
	}
	return q.saveRecord(ctx, *rec)
}

// ReclaimExpired scans the claimed set for jobs whose deadline has
// passed, returning each to pending with its attempt counter unchanged
// (Claim increments it), or transitioning it to Failed once it exceeds
// MaxAttempts (spec §4.8).
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, extension time.Duration) ([]Record, error) {
	expired, err := q.client.ZRangeByScore(ctx, q.claimedSetKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, errors.StoreError("scan claimed", err)
	}

	var reclaimed []Record
	for _, id := range expired {
		rec, err := q.loadRecord(ctx, id)
		if err != nil {
			continue
		}
		if err := q.client.ZRem(ctx, q.claimedSetKey(), id).Err(); err != nil {
			continue
		}
		if rec.Attempts >= rec.MaxAttempts {
			rec.Status = StatusFailed
			_ = q.saveRecord(ctx, *rec)
			reclaimed = append(reclaimed, *rec)
			continue
		}
		rec.Status = StatusPending
		rec.Deadline = now.Add(extension)
		if err := q.saveRecord(ctx, *rec); err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, rec.Key.pendingSet(q.namespace), &redis.Z{Score: float64(rec.Deadline.Unix()), Member: id}).Err(); err != nil {
			continue
		}
		if q.metrics != nil {
			q.metrics.RecordJobExpired(rec.Key.Group, rec.Key.Pipeline)
		}
		reclaimed = append(reclaimed, *rec)
	}
	return reclaimed, nil
}

// CancelForReaction marks every pending or claimed job belonging to
// reactionID as Cancelled, removing it from whichever set holds it.
func (q *Queue) CancelForReaction(ctx context.Context, reactionID string) error {
	ids, err := q.client.SMembers(ctx, q.reactionJobsKey(reactionID)).Result()
	if err != nil {
		return errors.StoreError("list reaction jobs", err)
	}
	for _, id := range ids {
		rec, err := q.loadRecord(ctx, id)
		if err != nil {
			continue
		}
		if rec.Status == StatusCompleted || rec.Status == StatusFailed || rec.Status == StatusCancelled {
			continue
		}
		_ = q.client.ZRem(ctx, rec.Key.pendingSet(q.namespace), id).Err()
		_ = q.client.ZRem(ctx, q.claimedSetKey(), id).Err()
		rec.Status = StatusCancelled
		_ = q.saveRecord(ctx, *rec)
	}
	return nil
}
