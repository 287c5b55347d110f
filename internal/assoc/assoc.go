// Package assoc implements the typed directed association multigraph
// between files, repos, and entities (spec §4.4): single-direction or
// bidirectional edges, listable with the cursor engine.
package assoc

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

// Kind enumerates the association edge kinds spec §3.1 names.
type Kind string

const (
	KindFileFor         Kind = "FileFor"
	KindDocumentationFor Kind = "DocumentationFor"
	KindFirmwareFor     Kind = "FirmwareFor"
	KindAssociatedWith  Kind = "AssociatedWith"
	KindDevelopedBy     Kind = "DevelopedBy"
	KindContainsCVE     Kind = "ContainsCVE"
	KindContainsCWE     Kind = "ContainsCWE"
	KindBasedIn         Kind = "BasedIn"
	KindEmployedBy      Kind = "EmployedBy"
	KindParentCompanyOf Kind = "ParentCompanyOf"
	KindUsedBy          Kind = "UsedBy"
	KindUsedIn          Kind = "UsedIn"
	KindPerformedBy     Kind = "PerformedBy"
)

// TargetKind discriminates which of {file, repo, entity} a Target names.
type TargetKind string

const (
	TargetFile   TargetKind = "file"
	TargetRepo   TargetKind = "repo"
	TargetEntity TargetKind = "entity"
)

// Target is one endpoint of an association: a file (sha256), repo (url),
// or entity (uuid).
type Target struct {
	Kind TargetKind
	Key  string
}

// Direction records which way an edge points relative to its source.
type Direction string

const (
	DirectionTo            Direction = "to"
	DirectionFrom          Direction = "from"
	DirectionBidirectional Direction = "bidirectional"
)

// Request is one association-creation call: a single source, a kind, a
// list of other targets, and the groups the edge should be visible in
// (spec §4.4).
type Request struct {
	Source    Target
	Kind      Kind
	Targets   []Target
	Groups    []string
	Direction Direction
}

// Association is one listed edge, from the perspective of the endpoint it
// was listed from.
type Association struct {
	Source   Target
	Other    Target
	Kind     Kind
	Groups   []string
	Created  time.Time
	ToSource bool
}

// GroupLookup resolves the groups a Target currently belongs to, needed
// to intersect caller-provided groups against both endpoints (spec §4.4
// step 2).
type GroupLookup interface {
	GroupsFor(ctx context.Context, target Target) ([]string, error)
}

// Store persists and lists association rows.
type Store interface {
	WriteEdge(ctx context.Context, source, other Target, kind Kind, group string, direction Direction, created time.Time) error
	DeleteEdges(ctx context.Context, source Target, edges []Association) error
}

// Graph is the C4 association engine.
type Graph struct {
	store  Store
	groups GroupLookup
	now    func() time.Time
}

// New builds a Graph over the given Store and GroupLookup.
func New(store Store, groups GroupLookup) *Graph {
	return &Graph{store: store, groups: groups, now: time.Now}
}

// Create writes the requested edges, intersecting groups per endpoint and
// writing reciprocal rows for bidirectional associations (spec §4.4,
// invariant 3).
func (g *Graph) Create(ctx context.Context, req Request) error {
	if req.Source.Key == "" {
		return errors.MissingParameter("source")
	}
	if len(req.Targets) == 0 {
		return errors.InvalidInput("targets", "at least one target is required")
	}

	direction := req.Direction
	if direction == "" {
		direction = DirectionTo
	}

	callerGroups := req.Groups
	if len(callerGroups) == 0 {
		sourceGroups, err := g.groups.GroupsFor(ctx, req.Source)
		if err != nil {
			return err
		}
		callerGroups = sourceGroups
	}

	created := g.now()
	for _, target := range req.Targets {
		targetGroups, err := g.groups.GroupsFor(ctx, target)
		if err != nil {
			return err
		}
		effective := intersect(callerGroups, targetGroups)
		if len(req.Groups) != 0 && len(targetGroups) == 0 {
			// Explicit groups provided and we have no independent
			// membership info for the target (e.g. a tag-node-like
			// target with no group concept): honor as provided.
			effective = callerGroups
		}

		for _, group := range effective {
			if err := g.store.WriteEdge(ctx, req.Source, target, req.Kind, group, forwardDirection(direction), created); err != nil {
				return err
			}
			if direction == DirectionBidirectional {
				if err := g.store.WriteEdge(ctx, target, req.Source, req.Kind, group, DirectionBidirectional, created); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func forwardDirection(d Direction) Direction {
	if d == "" {
		return DirectionTo
	}
	return d
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Delete removes the given edges as seen from source, bulk (spec §4.4).
func (g *Graph) Delete(ctx context.Context, source Target, edges []Association) error {
	if len(edges) == 0 {
		return nil
	}
	return g.store.DeleteEdges(ctx, source, edges)
}
