package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/internal/agent/argbuilder"
	"github.com/thorium-research/thorium/internal/jobqueue"
)

var errNotFound = errors.New("image not found")

type fakeQueue struct {
	mu          sync.Mutex
	claimQueue  [][]jobqueue.Record
	claimCalls  int
	completed   []jobqueue.Record
	completedOK []bool
	heartbeats  int
}

func (f *fakeQueue) Claim(ctx context.Context, group, pipeline string, stage int, image, node, worker string, n int, deadline time.Time) ([]jobqueue.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if len(f.claimQueue) == 0 {
		return nil, nil
	}
	next := f.claimQueue[0]
	f.claimQueue = f.claimQueue[1:]
	return next, nil
}

func (f *fakeQueue) Heartbeat(ctx context.Context, id string, newDeadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeQueue) Complete(ctx context.Context, id string, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobqueue.Record{ID: id})
	f.completedOK = append(f.completedOK, failed)
	return nil
}

type fakeImages struct {
	image argbuilder.Image
	err   error
}

func (f *fakeImages) GetImage(ctx context.Context, group, name string) (argbuilder.Image, error) {
	return f.image, f.err
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	result  ExecResult
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, argv []string, logPath string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type fakeUpdates struct {
	version string
	err     error
}

func (f *fakeUpdates) LatestVersion(ctx context.Context) (string, error) {
	return f.version, f.err
}

type fakeShutdown struct {
	mu     sync.Mutex
	called bool
	reason string
}

func (f *fakeShutdown) TellShutdown(ctx context.Context, node, worker, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.reason = reason
	return nil
}

func testImage() argbuilder.Image {
	return argbuilder.Image{
		Entrypoint: []string{"/usr/bin/analyze"},
	}
}

func testLoop(queue JobQueue, images ImageLookup, exec AgentExecutor, updates UpdateChecker, shutdown ShutdownNotifier) *Loop {
	cfg := Config{
		Group:        "default",
		Pipeline:     "pipeline-a",
		Image:        "image-a",
		Node:         "node-1",
		Worker:       "worker-1",
		MaxLimbo:     2,
		PollInterval: time.Millisecond,
		ClaimLease:   time.Hour,
		ClaimRate:    1000,
		LogDir:       "/tmp",
	}
	log := logging.New("worker-test", "error", "text")
	return NewLoop(cfg, "v1", queue, images, NoGate(), updates, shutdown, exec, log, nil)
}

func TestRun_ExitsAfterLimboExhausted(t *testing.T) {
	queue := &fakeQueue{}
	images := &fakeImages{image: testImage()}
	exec := &fakeExecutor{}
	shutdown := &fakeShutdown{}
	loop := testLoop(queue, images, exec, nil, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if queue.claimCalls < 2 {
		t.Errorf("expected at least 2 claim attempts before limbo exhausted, got %d", queue.claimCalls)
	}
	if exec.calls != 0 {
		t.Errorf("expected no executions with an always-empty queue, got %d", exec.calls)
	}
	if !shutdown.called {
		t.Error("expected TellShutdown to be called on loop exit")
	}
}

func TestRun_ExecutesClaimedJobSuccessfully(t *testing.T) {
	rec := jobqueue.Record{ID: "job-1", Job: argbuilder.Job{ID: "job-1"}}
	queue := &fakeQueue{claimQueue: [][]jobqueue.Record{{rec}}}
	images := &fakeImages{image: testImage()}
	exec := &fakeExecutor{result: ExecResult{ExitCode: 0}}
	shutdown := &fakeShutdown{}
	loop := testLoop(queue, images, exec, nil, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if exec.calls != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", exec.calls)
	}
	if len(queue.completed) != 1 || queue.completed[0].ID != "job-1" {
		t.Fatalf("expected job-1 to be completed, got %+v", queue.completed)
	}
	if queue.completedOK[0] != false {
		t.Errorf("expected job to complete as not-failed, got failed=%v", queue.completedOK[0])
	}
}

func TestRun_BreaksOnTaskFailureButCompletesJobAsFailed(t *testing.T) {
	rec := jobqueue.Record{ID: "job-2", Job: argbuilder.Job{ID: "job-2"}}
	queue := &fakeQueue{claimQueue: [][]jobqueue.Record{{rec}, {rec}}}
	images := &fakeImages{image: testImage()}
	exec := &fakeExecutor{err: context.DeadlineExceeded}
	shutdown := &fakeShutdown{}
	loop := testLoop(queue, images, exec, nil, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if exec.calls != 1 {
		t.Errorf("expected the loop to break after the first task failure, got %d executions", exec.calls)
	}
	if len(queue.completed) != 1 || queue.completedOK[0] != true {
		t.Fatalf("expected the failed job to be completed as failed, got %+v / %+v", queue.completed, queue.completedOK)
	}
	if shutdown.reason != "task failure" {
		t.Errorf("expected shutdown reason %q, got %q", "task failure", shutdown.reason)
	}
}

func TestRun_HaltsClaimingWhenVersionMismatchDetected(t *testing.T) {
	queue := &fakeQueue{claimQueue: [][]jobqueue.Record{{{ID: "should-not-be-claimed"}}}}
	images := &fakeImages{image: testImage()}
	exec := &fakeExecutor{}
	updates := &fakeUpdates{version: "v2"}
	shutdown := &fakeShutdown{}
	loop := testLoop(queue, images, exec, updates, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if queue.claimCalls != 0 {
		t.Errorf("expected no claim attempts once halt_claiming is set, got %d", queue.claimCalls)
	}
	if shutdown.reason != "update available" {
		t.Errorf("expected shutdown reason %q, got %q", "update available", shutdown.reason)
	}
}

func TestRun_ImageResolutionFailureCompletesJobAsFailedWithoutBreaking(t *testing.T) {
	rec := jobqueue.Record{ID: "job-3", Job: argbuilder.Job{ID: "job-3"}}
	queue := &fakeQueue{claimQueue: [][]jobqueue.Record{{rec}}}
	images := &fakeImages{err: errNotFound}
	exec := &fakeExecutor{}
	shutdown := &fakeShutdown{}
	loop := testLoop(queue, images, exec, nil, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if exec.calls != 0 {
		t.Errorf("expected no execution when image resolution fails, got %d", exec.calls)
	}
	if len(queue.completed) != 1 || queue.completedOK[0] != true {
		t.Fatalf("expected job to be completed as failed, got %+v / %+v", queue.completed, queue.completedOK)
	}
}
