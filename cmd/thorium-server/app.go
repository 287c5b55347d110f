// Package main is the Thorium server composition root: it wires C1-C9 and
// C11 behind the Go entry points an HTTP adapter would call. The HTTP
// surface and OpenAPI routing themselves are deliberately out of scope;
// App exposes the same operations that surface would front.
package main

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/infrastructure/metrics"
	"github.com/thorium-research/thorium/internal/assoc"
	"github.com/thorium-research/thorium/internal/blob"
	"github.com/thorium-research/thorium/internal/content"
	"github.com/thorium-research/thorium/internal/cursor"
	"github.com/thorium-research/thorium/internal/jobqueue"
	"github.com/thorium-research/thorium/internal/partition"
	"github.com/thorium-research/thorium/internal/reaction"
	"github.com/thorium-research/thorium/internal/storage/scylla"
	"github.com/thorium-research/thorium/internal/tagstore"
	"github.com/thorium-research/thorium/internal/tree"
	"github.com/thorium-research/thorium/pkg/config"
)

// Cursors bundles one cursor.Engine per time-ordered stream spec §6.4
// names (files, repos, entities, associations, reactions); each reads a
// distinct table through its own ScyllaCursorStore.
type Cursors struct {
	Files        *cursor.Engine
	Repos        *cursor.Engine
	Entities     *cursor.Engine
	Associations *cursor.Engine
	Reactions    *cursor.Engine
}

// App wires every non-HTTP Thorium component into one composition root.
type App struct {
	cfg *config.Config
	log *logging.Logger

	scylla *scylla.Session
	queue  *jobqueue.Queue
	blobs  *blob.Store

	Tags      *tagstore.TagStore
	Assoc     *assoc.Graph
	Content   *content.Content
	Tree      *tree.Builder
	Reactions *reaction.Engine
	Pipelines *scylla.ScyllaPipelineLookup
	Census    *partition.Repairer
	Cursors   Cursors
}

// NewApp connects to every backing store and wires the C1-C9/C11 engines
// over them, building one struct up-front and handing it to the process's
// lifetime.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.New("thorium-server", cfg.Tracing.Local.Level, "json")
	m := metrics.New("thorium_server")

	sess, err := scylla.Connect(scylla.Config{
		Hosts:    cfg.Scylla.Hosts,
		Keyspace: cfg.Scylla.Keyspace,
		Username: cfg.Scylla.Username,
		Password: cfg.Scylla.Password,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	queue, err := jobqueue.Connect(jobqueue.Config{
		Addr:      cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Namespace,
	}, log, m)
	if err != nil {
		sess.Close()
		return nil, err
	}

	blobCfg := blob.Config{
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKey,
		SecretAccessKey: cfg.S3.SecretToken,
	}
	cartPassword := []byte(cfg.SecretKey)
	blobs, err := blob.Connect(ctx, blobCfg, cartPassword, m)
	if err != nil {
		queue.Close()
		sess.Close()
		return nil, err
	}
	if !cfg.S3.SkipBucketAutoCreate {
		if err := blobs.BootstrapBuckets(ctx, blobCfg); err != nil {
			log.WithError(err).Warn("bucket bootstrap failed")
		}
	}

	pipelines := scylla.NewPipelineLookup(sess)
	bans := reaction.NewGojaBansEvaluator()

	tags := tagstore.New(sess, cfg.FilesConfig.PartitionSize)
	assocGraph := assoc.New(sess, sess)
	contentSvc := content.New(sess)
	treeBuilder := tree.New(scylla.NewTreeSource(sess), log)
	reactionEngine := reaction.New(sess, pipelines, queue, bans, log)
	censusRepairer := partition.NewRepairer(sess, log, m)

	states := scylla.NewCursorStateStore(sess)
	cursors := Cursors{
		Files:        cursor.New(scylla.NewCursorStore(sess, "files_by_group"), states, m),
		Repos:        cursor.New(scylla.NewCursorStore(sess, "repos_by_group"), states, m),
		Entities:     cursor.New(scylla.NewCursorStore(sess, "entities_by_group"), states, m),
		Associations: cursor.New(scylla.NewCursorStore(sess, "associations_by_group"), states, m),
		Reactions:    cursor.New(scylla.NewCursorStore(sess, "reactions_by_group"), states, m),
	}

	return &App{
		cfg:       cfg,
		log:       log,
		scylla:    sess,
		queue:     queue,
		blobs:     blobs,
		Tags:      tags,
		Assoc:     assocGraph,
		Content:   contentSvc,
		Tree:      treeBuilder,
		Reactions: reactionEngine,
		Pipelines: pipelines,
		Census:    censusRepairer,
		Cursors:   cursors,
	}, nil
}

// Close releases every backing connection.
func (a *App) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.WithError(err).Warn("close job queue")
		}
	}
	if a.scylla != nil {
		a.scylla.Close()
	}
}
