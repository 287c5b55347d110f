// Package tree implements the C6 read-only breadth-first tree traversal
// over samples, repos, entities, tags, and the association graph
// (spec §4.5). It queries C3/C4/C5 through the Source interface and never
// writes.
package tree

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/thorium-research/thorium/infrastructure/logging"
)

// maxConcurrentResolves bounds how many frontier nodes are grown
// concurrently within a single ring. Association "other" ends are then
// resolved one at a time.
const maxConcurrentResolves = 20

// defaultRingLimit is how many rings Build walks when TreeQuery.Limit is 0.
const defaultRingLimit = 5

// NodeKind discriminates the tagged-sum of content kinds a tree node can be.
type NodeKind string

const (
	KindSample  NodeKind = "sample"
	KindRepo    NodeKind = "repo"
	KindEntity  NodeKind = "entity"
	KindTagNode NodeKind = "tag"
)

// TagNodeKey is the canonical `BTreeMap<String, BTreeSet<String>>` a
// tag-node's identity is derived from: key -> sorted unique values.
type TagNodeKey map[string][]string

// Target names one content item an association edge points at.
type Target struct {
	Kind NodeKind
	Ref  string
}

// Node is one vertex in the tree: a sample, repo, entity, or tag-node,
// keyed by a content-derived 64-bit hash so the same item dedupes across
// rings regardless of which branch reached it first.
type Node struct {
	Key      uint64
	Kind     NodeKind
	Ref      string // sha256 | url | uuid, empty for tag-nodes
	Tags     TagNodeKey
	Data     map[string]interface{}
	Growable bool
}

// Branch is one edge discovered during a ring. IsLoop marks an edge whose
// destination was already present in the tree when the edge was
// committed (including nodes added earlier in the same ring), so it is
// recorded but not re-traversed (spec §9's cyclic-graph resolution).
type Branch struct {
	From      uint64
	To        uint64
	Kind      string // parent | child | related | association
	AssocKind string // populated when Kind == "association"
	IsLoop    bool
}

// RelatedFilter controls sibling expansion by tag match (spec §4.5's
// `related` field).
type RelatedFilter struct {
	Tags map[string][]string
}

// TreeQuery is the traversal's seed and bounds.
type TreeQuery struct {
	Groups   []string
	Samples  []string
	Repos    []string
	Entities []string
	Tags     []TagNodeKey
	Related  RelatedFilter
	Limit    int // ring count, default defaultRingLimit
}

// Source is the read-only capability set a tagged content kind exposes to
// the traversal: tree_hash is KeyFor, the rest are gather_* / resolve.
type Source interface {
	GatherParents(ctx context.Context, groups []string, n Node) ([]Node, error)
	GatherChildren(ctx context.Context, groups []string, n Node) ([]Node, error)
	GatherRelated(ctx context.Context, groups []string, n Node, related RelatedFilter) ([]Node, error)
	GatherAssociations(ctx context.Context, groups []string, n Node) ([]Branch, []Target, error)
	Resolve(ctx context.Context, target Target) (Node, error)
}

// Tree is the traversal result: every node reached, and every edge,
// including loop-closing edges that were not traversed further.
type Tree struct {
	Nodes    map[uint64]Node
	Branches []Branch
}

// Builder runs the C6 traversal over a Source.
type Builder struct {
	source Source
	log    *logging.Logger
	sem    *semaphore.Weighted
}

// New builds a Builder over the given Source.
func New(source Source, log *logging.Logger) *Builder {
	return &Builder{source: source, log: log, sem: semaphore.NewWeighted(maxConcurrentResolves)}
}

// KeyFor computes a node's content-derived 64-bit identity: samples by
// sha256, repos by url, entities by uuid, tag-nodes by the sorted
// serialization of their key/value-set map (spec §4.5).
func KeyFor(kind NodeKind, ref string, tags TagNodeKey) uint64 {
	if kind == KindTagNode {
		return xxhash.Sum64String(serializeTagNode(tags))
	}
	return xxhash.Sum64String(string(kind) + ":" + ref)
}

func serializeTagNode(tags TagNodeKey) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), tags[k]...)
		sort.Strings(values)
		values = dedupeSorted(values)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte(';')
	}
	return b.String()
}

func dedupeSorted(values []string) []string {
	out := values[:0]
	var last string
	first := true
	for _, v := range values {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}

// Build runs the breadth-first ring traversal described in spec §4.5.
func (b *Builder) Build(ctx context.Context, q TreeQuery) (*Tree, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRingLimit
	}

	tree := &Tree{Nodes: map[uint64]Node{}}
	frontier, err := b.seed(ctx, q)
	if err != nil {
		return nil, err
	}
	for key, n := range frontier {
		tree.Nodes[key] = n
	}

	for ring := 0; ring < limit && len(frontier) > 0; ring++ {
		growable := make([]Node, 0, len(frontier))
		for _, n := range frontier {
			growable = append(growable, n)
		}

		type ringResult struct {
			parents  []Node
			children []Node
			related  []Node
			branches []Branch
			targets  []Target
		}
		results := make([]ringResult, len(growable))
		var wg sync.WaitGroup
		for i, n := range growable {
			i, n := i, n
			if err := b.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer b.sem.Release(1)
				results[i] = b.growOne(ctx, q.Groups, n, q.Related)
			}()
		}
		wg.Wait()

		nextFrontier := map[uint64]Node{}
		for i, n := range growable {
			r := results[i]
			for _, nb := range r.parents {
				b.commit(tree, nextFrontier, n.Key, nb, "parent", "")
			}
			for _, nb := range r.children {
				b.commit(tree, nextFrontier, n.Key, nb, "child", "")
			}
			for _, nb := range r.related {
				b.commit(tree, nextFrontier, n.Key, nb, "related", "")
			}
			for j, target := range r.targets {
				resolved, err := b.source.Resolve(ctx, target)
				if err != nil {
					if b.log != nil {
						b.log.WithContext(ctx).WithField("ref", target.Ref).Warn("association target unresolvable, skipping")
					}
					continue
				}
				branch := r.branches[j]
				b.commit(tree, nextFrontier, n.Key, resolved, "association", branch.AssocKind)
			}
			settled := n
			settled.Growable = false
			tree.Nodes[n.Key] = settled
		}
		frontier = nextFrontier
	}

	return tree, nil
}

func (b *Builder) growOne(ctx context.Context, groups []string, n Node, related RelatedFilter) (res struct {
	parents  []Node
	children []Node
	related  []Node
	branches []Branch
	targets  []Target
}) {
	if n.Kind == KindTagNode {
		// Tag-nodes have no parents, matching spec §4.5 step 2a.
	} else if parents, err := b.source.GatherParents(ctx, groups, n); err == nil {
		res.parents = parents
	}
	if children, err := b.source.GatherChildren(ctx, groups, n); err == nil {
		res.children = children
	}
	if len(related.Tags) > 0 {
		if rel, err := b.source.GatherRelated(ctx, groups, n, related); err == nil {
			res.related = rel
		}
	}
	if branches, targets, err := b.source.GatherAssociations(ctx, groups, n); err == nil {
		res.branches = branches
		res.targets = targets
	}
	return res
}

// commit records a discovered edge, marking it a loop if its destination
// is already present in the tree rather than re-traversing it.
func (b *Builder) commit(tree *Tree, nextFrontier map[uint64]Node, from uint64, to Node, kind, assocKind string) {
	branch := Branch{From: from, To: to.Key, Kind: kind, AssocKind: assocKind}
	if _, exists := tree.Nodes[to.Key]; exists {
		branch.IsLoop = true
		tree.Branches = append(tree.Branches, branch)
		return
	}
	to.Growable = true
	tree.Nodes[to.Key] = to
	nextFrontier[to.Key] = to
	tree.Branches = append(tree.Branches, branch)
}

func (b *Builder) seed(ctx context.Context, q TreeQuery) (map[uint64]Node, error) {
	seeds := map[uint64]Node{}
	add := func(kind NodeKind, ref string) error {
		n, err := b.source.Resolve(ctx, Target{Kind: kind, Ref: ref})
		if err != nil {
			return err
		}
		n.Growable = true
		seeds[n.Key] = n
		return nil
	}
	for _, s := range q.Samples {
		if err := add(KindSample, s); err != nil {
			return nil, err
		}
	}
	for _, r := range q.Repos {
		if err := add(KindRepo, r); err != nil {
			return nil, err
		}
	}
	for _, e := range q.Entities {
		if err := add(KindEntity, e); err != nil {
			return nil, err
		}
	}
	for _, tagKey := range q.Tags {
		key := KeyFor(KindTagNode, "", tagKey)
		seeds[key] = Node{Key: key, Kind: KindTagNode, Tags: tagKey, Growable: true}
	}
	return seeds, nil
}

// FilterChildless removes non-growable leaves that gained no outgoing
// branches of their own (spec §4.5's output trimming step).
func (t *Tree) FilterChildless() *Tree {
	hasOutgoing := map[uint64]bool{}
	for _, br := range t.Branches {
		hasOutgoing[br.From] = true
	}
	out := &Tree{Nodes: map[uint64]Node{}}
	for key, n := range t.Nodes {
		if !n.Growable && !hasOutgoing[key] {
			continue
		}
		out.Nodes[key] = n
	}
	for _, br := range t.Branches {
		_, fromKept := out.Nodes[br.From]
		_, toKept := out.Nodes[br.To]
		if fromKept && toKept {
			out.Branches = append(out.Branches, br)
		}
	}
	return out
}

// Trim keeps only nodes newly materialized in `added`, plus any branch
// touching one of them, for incremental client streaming of the latest
// grow call (spec §4.5's `trim(grown, added)`).
func (t *Tree) Trim(added map[uint64]struct{}) *Tree {
	out := &Tree{Nodes: map[uint64]Node{}}
	for key := range added {
		if n, ok := t.Nodes[key]; ok {
			out.Nodes[key] = n
		}
	}
	for _, br := range t.Branches {
		_, fromAdded := added[br.From]
		_, toAdded := added[br.To]
		if fromAdded || toAdded {
			out.Branches = append(out.Branches, br)
		}
	}
	return out
}
