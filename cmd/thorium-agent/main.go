// Package main is the Thorium agent binary: the C10 worker loop for a
// single (group, pipeline, stage, image) selector, claiming jobs from the
// C8 queue and spawning the analysis tool itself (spec §4, §4.10).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/infrastructure/metrics"
	"github.com/thorium-research/thorium/internal/agent/worker"
	"github.com/thorium-research/thorium/internal/jobqueue"
	"github.com/thorium-research/thorium/internal/storage/scylla"
	"github.com/thorium-research/thorium/pkg/config"
	"github.com/thorium-research/thorium/pkg/version"
)

// Exit codes per spec §4's agent CLI contract.
const (
	exitClean             = 0
	exitConfigError       = 1
	exitPersistentDBError = 2
	exitUpdateRequired    = 3
	exitFatalAgentPanic   = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	keysPath := flag.String("keys", "", "path to the agent's credential/config file")
	cluster := flag.String("cluster", "", "cluster name this agent reports under")
	node := flag.String("node", "", "node name this agent reports under")
	limbo := flag.Int("limbo", 3, "number of consecutive empty claims tolerated before exiting")
	group := flag.String("group", "", "group this worker claims jobs for")
	pipeline := flag.String("pipeline", "", "pipeline this worker claims jobs for")
	stage := flag.Int("stage", 0, "pipeline stage this worker claims jobs for")
	image := flag.String("image", "", "image this worker executes")
	apiURL := flag.String("api", "", "Thorium API base URL (defaults to THORIUM_API_URL)")
	flag.Parse()

	if *keysPath != "" {
		if err := os.Setenv("THORIUM_CONFIG_FILE", *keysPath); err != nil {
			fmt.Fprintf(os.Stderr, "set keys path: %v\n", err)
			return exitConfigError
		}
	}
	if *group == "" || *pipeline == "" || *image == "" {
		fmt.Fprintln(os.Stderr, "--group, --pipeline, and --image are required")
		return exitConfigError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfigError
	}

	log := logging.New("thorium-agent", cfg.Tracing.Local.Level, "json")
	m := metrics.New("thorium_agent")

	sess, err := scylla.Connect(scylla.Config{
		Hosts:    cfg.Scylla.Hosts,
		Keyspace: cfg.Scylla.Keyspace,
		Username: cfg.Scylla.Username,
		Password: cfg.Scylla.Password,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		log.WithError(err).Error("connect to scylla")
		return exitPersistentDBError
	}
	defer sess.Close()

	queue, err := jobqueue.Connect(jobqueue.Config{
		Addr:      cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Namespace,
	}, log, m)
	if err != nil {
		log.WithError(err).Error("connect to job queue")
		return exitPersistentDBError
	}
	defer queue.Close()

	images := scylla.NewWorkerImageLookup(scylla.NewPipelineLookup(sess))
	gate := worker.NewGopsutilGate(90, 90)
	executor := worker.NewProcessExecutor()

	var updates worker.UpdateChecker
	var shutdown worker.ShutdownNotifier
	baseURL := *apiURL
	if baseURL == "" {
		baseURL = os.Getenv("THORIUM_API_URL")
	}
	if baseURL != "" {
		client, err := worker.NewAPIClient(worker.APIClientConfig{BaseURL: baseURL})
		if err != nil {
			log.WithError(err).Warn("build api client")
		} else {
			updates = client
			shutdown = client
		}
	}

	loopCfg := worker.Config{
		Group:      *group,
		Pipeline:   *pipeline,
		Stage:      *stage,
		Image:      *image,
		Cluster:    *cluster,
		Node:       *node,
		Worker:     fmt.Sprintf("%s-%d", *node, os.Getpid()),
		MaxLimbo:   *limbo,
		LogDir:     os.TempDir(),
	}

	loop := worker.NewLoop(loopCfg, version.Version, queue, images, gate, updates, shutdown, executor, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		log.WithError(err).Error("worker loop exited with error")
		return exitFatalAgentPanic
	}
	return exitClean
}
