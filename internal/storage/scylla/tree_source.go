package scylla

import (
	"context"
	"encoding/json"

	"github.com/thorium-research/thorium/internal/assoc"
	"github.com/thorium-research/thorium/internal/tagstore"
	"github.com/thorium-research/thorium/internal/tree"
)

// tagChildKinds is what a tag-node's children are gathered from: both
// samples and repos, never scoped to whichever kind triggered the gather
// (spec §4.5: "tag-node by matching items").
var tagChildKinds = []tagstore.Kind{tagstore.KindFile, tagstore.KindRepo}

func tagKindToTree(k tagstore.Kind) tree.NodeKind {
	if k == tagstore.KindRepo {
		return tree.KindRepo
	}
	return tree.KindSample
}

// TreeSource implements tree.Source directly against the sample/repo/
// entity/tag/association tables, the same storage C3-C5 use (the C6
// traversal's own doc comment: "queries C3/C4/C5 through the Source
// interface"). It never writes.
type TreeSource struct {
	sess *Session
}

// NewTreeSource builds a tree.Source over the given session.
func NewTreeSource(sess *Session) *TreeSource {
	return &TreeSource{sess: sess}
}

// treeKindToTarget maps a content node kind to its association target
// kind. Tag-nodes have no association target (they carry no sha256/url/
// uuid ref of their own) and must never reach this function; callers
// branch on tree.KindTagNode first.
func treeKindToTarget(k tree.NodeKind) assoc.TargetKind {
	switch k {
	case tree.KindRepo:
		return assoc.TargetRepo
	case tree.KindEntity:
		return assoc.TargetEntity
	default:
		return assoc.TargetFile
	}
}

func targetKindToTree(k assoc.TargetKind) tree.NodeKind {
	switch k {
	case assoc.TargetRepo:
		return tree.KindRepo
	case assoc.TargetEntity:
		return tree.KindEntity
	default:
		return tree.KindSample
	}
}

func treeKindToTagKind(k tree.NodeKind) tagstore.Kind {
	switch k {
	case tree.KindRepo:
		return tagstore.KindRepo
	case tree.KindEntity:
		return tagstore.KindEntity
	default:
		return tagstore.KindFile
	}
}

// Resolve implements tree.Source: loads one content item and flattens it
// into a Node, keyed by KeyFor.
func (t *TreeSource) Resolve(ctx context.Context, target tree.Target) (tree.Node, error) {
	n := tree.Node{Kind: target.Kind, Ref: target.Ref}
	var payload interface{}

	switch target.Kind {
	case tree.KindSample:
		sample, err := t.sess.GetSample(ctx, target.Ref)
		if err != nil {
			return tree.Node{}, err
		}
		payload = sample
	case tree.KindRepo:
		repo, err := t.sess.GetRepo(ctx, target.Ref)
		if err != nil {
			return tree.Node{}, err
		}
		payload = repo
	case tree.KindEntity:
		entity, err := t.sess.GetEntity(ctx, target.Ref)
		if err != nil {
			return tree.Node{}, err
		}
		payload = entity
	default:
		return tree.Node{}, nil
	}

	n.Data = toMap(payload)
	n.Key = tree.KeyFor(n.Kind, n.Ref, nil)
	return n, nil
}

// GatherChildren implements tree.Source: nodes reached by an edge where n
// is the source endpoint (spec §4.5's forward direction is treated as
// "points at its child"). A tag-node's children are every sample and repo
// carrying its key/value pairs, gathered via the tags_by_value reverse
// index rather than an association edge (tag-nodes are synthetic, not
// rows in the association table).
func (t *TreeSource) GatherChildren(ctx context.Context, groups []string, n tree.Node) ([]tree.Node, error) {
	if n.Kind == tree.KindTagNode {
		return t.gatherTaggedItems(ctx, groups, n.Tags)
	}
	edges, err := t.sess.ListOutbound(ctx, assoc.Target{Kind: treeKindToTarget(n.Kind), Key: n.Ref})
	if err != nil {
		return nil, err
	}
	return t.resolveEdgeEnds(ctx, groups, edges, false)
}

// gatherTaggedItems resolves every sample and repo carrying all of key's
// tag pairs (spec §4.5: a tag-node's children span both content kinds).
func (t *TreeSource) gatherTaggedItems(ctx context.Context, groups []string, key tree.TagNodeKey) ([]tree.Node, error) {
	seen := map[string]bool{}
	var out []tree.Node
	for _, kind := range tagChildKinds {
		for tagKey, values := range key {
			for _, value := range values {
				stmt := `SELECT item_key, group FROM tags_by_value WHERE kind = ? AND key = ? AND value = ?`
				err := t.sess.ScanAll(ctx, stmt, []interface{}{string(kind), tagKey, value}, func(row map[string]interface{}) error {
					group, _ := row["group"].(string)
					if !groupVisible(groups, []string{group}) {
						return nil
					}
					itemKey, _ := row["item_key"].(string)
					dedupeKey := string(kind) + ":" + itemKey
					if itemKey == "" || seen[dedupeKey] {
						return nil
					}
					seen[dedupeKey] = true
					node, resolveErr := t.Resolve(ctx, tree.Target{Kind: tagKindToTree(kind), Ref: itemKey})
					if resolveErr != nil {
						return nil
					}
					out = append(out, node)
					return nil
				})
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// GatherParents implements tree.Source: nodes reached by an edge where n
// is the other endpoint.
func (t *TreeSource) GatherParents(ctx context.Context, groups []string, n tree.Node) ([]tree.Node, error) {
	edges, err := t.sess.ListInbound(ctx, assoc.Target{Kind: treeKindToTarget(n.Kind), Key: n.Ref})
	if err != nil {
		return nil, err
	}
	return t.resolveEdgeEnds(ctx, groups, edges, true)
}

func (t *TreeSource) resolveEdgeEnds(ctx context.Context, groups []string, edges []assoc.Association, inbound bool) ([]tree.Node, error) {
	var out []tree.Node
	for _, e := range edges {
		if !groupVisible(groups, e.Groups) {
			continue
		}
		end := e.Other
		if inbound {
			end = e.Source
		}
		node, err := t.Resolve(ctx, tree.Target{Kind: targetKindToTree(end.Kind), Ref: end.Key})
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

// GatherAssociations implements tree.Source: every typed edge touching n
// in either direction, returned as Branches (not yet resolved to Nodes)
// alongside the raw Targets so the traversal can dedupe before resolving.
func (t *TreeSource) GatherAssociations(ctx context.Context, groups []string, n tree.Node) ([]tree.Branch, []tree.Target, error) {
	if n.Kind == tree.KindTagNode {
		return nil, nil, nil
	}
	self := assoc.Target{Kind: treeKindToTarget(n.Kind), Key: n.Ref}

	outbound, err := t.sess.ListOutbound(ctx, self)
	if err != nil {
		return nil, nil, err
	}
	inbound, err := t.sess.ListInbound(ctx, self)
	if err != nil {
		return nil, nil, err
	}

	var branches []tree.Branch
	var targets []tree.Target
	add := func(e assoc.Association, other assoc.Target) {
		if !groupVisible(groups, e.Groups) {
			return
		}
		target := tree.Target{Kind: targetKindToTree(other.Kind), Ref: other.Key}
		targets = append(targets, target)
		branches = append(branches, tree.Branch{
			From:      n.Key,
			To:        tree.KeyFor(target.Kind, target.Ref, nil),
			Kind:      "association",
			AssocKind: string(e.Kind),
		})
	}
	for _, e := range outbound {
		add(e, e.Other)
	}
	for _, e := range inbound {
		add(e, e.Source)
	}
	return branches, targets, nil
}

// GatherRelated implements tree.Source: if n's own tags satisfy the
// related.Tags filter (every named key present, and at least one of its
// values when values are given), n gets linked to a synthetic tag-node
// for that filter. The tag-node's own children (both samples and repos
// carrying the filter) are picked up separately on its own turn through
// the frontier, via GatherChildren. Tag-nodes carry no tags of their own
// and never satisfy a filter.
func (t *TreeSource) GatherRelated(ctx context.Context, groups []string, n tree.Node, related tree.RelatedFilter) ([]tree.Node, error) {
	if n.Kind == tree.KindTagNode || len(related.Tags) == 0 {
		return nil, nil
	}

	tags, err := t.sess.ScanTags(ctx, treeKindToTagKind(n.Kind), groups, n.Ref)
	if err != nil {
		return nil, err
	}
	present := map[string]map[string]bool{}
	for _, tg := range tags {
		if present[tg.Key] == nil {
			present[tg.Key] = map[string]bool{}
		}
		present[tg.Key][tg.Value] = true
	}

	for key, values := range related.Tags {
		have, ok := present[key]
		if !ok {
			return nil, nil
		}
		if len(values) == 0 {
			continue
		}
		matched := false
		for _, v := range values {
			if have[v] {
				matched = true
				break
			}
		}
		if !matched {
			return nil, nil
		}
	}

	tagNode := tree.Node{
		Kind: tree.KindTagNode,
		Tags: related.Tags,
	}
	tagNode.Key = tree.KeyFor(tree.KindTagNode, "", related.Tags)
	return []tree.Node{tagNode}, nil
}

func groupVisible(callerGroups []string, rowGroups []string) bool {
	if len(callerGroups) == 0 {
		return true
	}
	for _, c := range callerGroups {
		for _, r := range rowGroups {
			if c == r {
				return true
			}
		}
	}
	return false
}

func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
