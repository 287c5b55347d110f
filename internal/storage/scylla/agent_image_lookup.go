package scylla

import (
	"context"

	"github.com/thorium-research/thorium/internal/agent/argbuilder"
)

// WorkerImageLookup adapts the pipeline/image config tables to
// worker.ImageLookup, narrowing reaction.Image down to the
// argbuilder.Image fields the worker's argv materializer actually needs.
type WorkerImageLookup struct {
	pipelines *ScyllaPipelineLookup
}

// NewWorkerImageLookup builds a worker.ImageLookup over the given
// pipeline config lookup.
func NewWorkerImageLookup(pipelines *ScyllaPipelineLookup) *WorkerImageLookup {
	return &WorkerImageLookup{pipelines: pipelines}
}

// GetImage implements worker.ImageLookup.
func (w *WorkerImageLookup) GetImage(ctx context.Context, group, name string) (argbuilder.Image, error) {
	image, err := w.pipelines.GetImage(ctx, group, name)
	if err != nil {
		return argbuilder.Image{}, err
	}
	return argbuilder.Image{
		Entrypoint:   image.Entrypoint,
		Command:      image.Command,
		Args:         image.Args,
		Dependencies: image.Dependencies,
	}, nil
}
