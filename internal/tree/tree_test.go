package tree

import (
	"context"
	"testing"
)

// fakeSource is a tiny fixed graph:
//
//	repo(A) --child--> sample(B)
//	sample(B) --association(AssociatedWith)--> repo(A)   (cycle back to A)
type fakeSource struct {
	children map[string][]Node
	assocs   map[string][]Target

	relatedCalls []RelatedFilter
}

func (f *fakeSource) GatherParents(ctx context.Context, groups []string, n Node) ([]Node, error) {
	return nil, nil
}

func (f *fakeSource) GatherChildren(ctx context.Context, groups []string, n Node) ([]Node, error) {
	return f.children[n.Ref], nil
}

func (f *fakeSource) GatherRelated(ctx context.Context, groups []string, n Node, related RelatedFilter) ([]Node, error) {
	f.relatedCalls = append(f.relatedCalls, related)
	return nil, nil
}

func (f *fakeSource) GatherAssociations(ctx context.Context, groups []string, n Node) ([]Branch, []Target, error) {
	targets := f.assocs[n.Ref]
	branches := make([]Branch, len(targets))
	for i := range targets {
		branches[i] = Branch{AssocKind: "AssociatedWith"}
	}
	return branches, targets, nil
}

func (f *fakeSource) Resolve(ctx context.Context, target Target) (Node, error) {
	return Node{Key: KeyFor(target.Kind, target.Ref, nil), Kind: target.Kind, Ref: target.Ref}, nil
}

func newFixture() *fakeSource {
	return &fakeSource{
		children: map[string][]Node{
			"repo-a": {{Key: KeyFor(KindSample, "sample-b", nil), Kind: KindSample, Ref: "sample-b"}},
		},
		assocs: map[string][]Target{
			"sample-b": {{Kind: KindRepo, Ref: "repo-a"}},
		},
	}
}

func TestBuild_SeedsFromQuery(t *testing.T) {
	src := newFixture()
	b := New(src, nil)

	tr, err := b.Build(context.Background(), TreeQuery{Repos: []string{"repo-a"}, Limit: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	root := KeyFor(KindRepo, "repo-a", nil)
	if _, ok := tr.Nodes[root]; !ok {
		t.Fatal("expected seed node present in tree")
	}
}

func TestBuild_ChildDiscoveredInFirstRing(t *testing.T) {
	src := newFixture()
	b := New(src, nil)

	tr, err := b.Build(context.Background(), TreeQuery{Repos: []string{"repo-a"}, Limit: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	childKey := KeyFor(KindSample, "sample-b", nil)
	if _, ok := tr.Nodes[childKey]; !ok {
		t.Fatal("expected child sample discovered in ring 1")
	}
}

func TestBuild_CycleMarkedAsLoopNotRetraversed(t *testing.T) {
	src := newFixture()
	b := New(src, nil)

	// Two rings: ring 1 discovers sample-b, ring 2 discovers the
	// association back to repo-a, which must be a loop, not a new node.
	tr, err := b.Build(context.Background(), TreeQuery{Repos: []string{"repo-a"}, Limit: 2})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	rootKey := KeyFor(KindRepo, "repo-a", nil)
	sampleKey := KeyFor(KindSample, "sample-b", nil)

	var loopBranch *Branch
	for i := range tr.Branches {
		br := tr.Branches[i]
		if br.From == sampleKey && br.To == rootKey {
			loopBranch = &br
		}
	}
	if loopBranch == nil {
		t.Fatal("expected a branch from sample-b back to repo-a")
	}
	if !loopBranch.IsLoop {
		t.Error("expected cycle-closing branch to be marked IsLoop")
	}
	// Dedupe: exactly one node for repo-a regardless of how many times
	// it's reached.
	count := 0
	for _, n := range tr.Nodes {
		if n.Kind == KindRepo && n.Ref == "repo-a" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one repo-a node, got %d", count)
	}
}

// TestBuild_ThreadsRelatedFilterIntoSource is a regression test: an
// earlier pass called GatherRelated with a hardcoded empty RelatedFilter,
// so a query's related.tags filter never reached the Source.
func TestBuild_ThreadsRelatedFilterIntoSource(t *testing.T) {
	src := newFixture()
	b := New(src, nil)

	filter := RelatedFilter{Tags: map[string][]string{"family": {"emotet"}}}
	_, err := b.Build(context.Background(), TreeQuery{Repos: []string{"repo-a"}, Related: filter, Limit: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(src.relatedCalls) == 0 {
		t.Fatal("expected GatherRelated to be called at least once")
	}
	for _, got := range src.relatedCalls {
		if len(got.Tags) == 0 {
			t.Errorf("GatherRelated called with empty filter, want %+v", filter)
		}
	}
}

// TestBuild_SkipsRelatedGatherWhenQueryHasNoFilter verifies a query with
// no related.tags filter never calls GatherRelated at all, matching the
// growOne guard added alongside the threading fix.
func TestBuild_SkipsRelatedGatherWhenQueryHasNoFilter(t *testing.T) {
	src := newFixture()
	b := New(src, nil)

	_, err := b.Build(context.Background(), TreeQuery{Repos: []string{"repo-a"}, Limit: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(src.relatedCalls) != 0 {
		t.Errorf("expected no GatherRelated calls without a related filter, got %d", len(src.relatedCalls))
	}
}

func TestKeyFor_TagNodeOrderIndependent(t *testing.T) {
	a := TagNodeKey{"family": {"trickbot", "emotet"}, "os": {"windows"}}
	bTag := TagNodeKey{"os": {"windows"}, "family": {"emotet", "trickbot"}}

	if KeyFor(KindTagNode, "", a) != KeyFor(KindTagNode, "", bTag) {
		t.Error("expected tag-node key independent of map/slice iteration order")
	}
}

func TestKeyFor_DifferentRefsDifferentKeys(t *testing.T) {
	if KeyFor(KindSample, "a", nil) == KeyFor(KindSample, "b", nil) {
		t.Error("expected distinct sample refs to hash differently")
	}
	if KeyFor(KindSample, "x", nil) == KeyFor(KindRepo, "x", nil) {
		t.Error("expected kind to be part of the hash input")
	}
}

func TestFilterChildless_RemovesLeavesWithNoOutgoingBranches(t *testing.T) {
	tr := &Tree{
		Nodes: map[uint64]Node{
			1: {Key: 1, Kind: KindRepo, Ref: "root"},
			2: {Key: 2, Kind: KindSample, Ref: "parent-of-leaf"},
			3: {Key: 3, Kind: KindSample, Ref: "childless-leaf"},
			4: {Key: 4, Kind: KindSample, Ref: "another-childless-leaf"},
		},
		Branches: []Branch{
			{From: 1, To: 2, Kind: "child"},
			{From: 1, To: 3, Kind: "child"},
			{From: 2, To: 4, Kind: "child"},
		},
	}
	out := tr.FilterChildless()
	if _, ok := out.Nodes[3]; ok {
		t.Error("expected childless leaf removed")
	}
	if _, ok := out.Nodes[4]; ok {
		t.Error("expected childless leaf removed even when reached via an intermediate node")
	}
	if _, ok := out.Nodes[1]; !ok {
		t.Error("expected root retained (it has outgoing branches)")
	}
	if _, ok := out.Nodes[2]; !ok {
		t.Error("expected intermediate node retained (it has an outgoing branch)")
	}
	for _, br := range out.Branches {
		if br.To == 3 || br.To == 4 {
			t.Errorf("expected no branch pointing at a removed leaf, got %+v", br)
		}
	}
}

func TestTrim_KeepsOnlyAddedNodesAndTouchingBranches(t *testing.T) {
	tr := &Tree{
		Nodes: map[uint64]Node{
			1: {Key: 1}, 2: {Key: 2}, 3: {Key: 3},
		},
		Branches: []Branch{
			{From: 1, To: 2},
			{From: 2, To: 3},
		},
	}
	added := map[uint64]struct{}{2: {}}
	out := tr.Trim(added)
	if len(out.Nodes) != 1 {
		t.Errorf("expected only the added node kept, got %v", out.Nodes)
	}
	if len(out.Branches) != 2 {
		t.Errorf("expected both branches touching node 2 kept, got %v", out.Branches)
	}
}
