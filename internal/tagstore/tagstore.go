// Package tagstore implements the tag write/read/delete path (spec §4.3):
// one row per (item_key, group, kind, key, value, uploaded), with
// `uploaded` pinned to the earliest time a group observed the item so
// that a tag list scanning a bucket finds the items present in it.
package tagstore

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/internal/partition"
)

// Kind is the content kind a tag row is attached to.
type Kind string

const (
	KindFile     Kind = "file"
	KindRepo     Kind = "repo"
	KindEntity   Kind = "entity"
	KindReaction Kind = "reaction"
)

// Tag is one immutable write: a single (key, value) pair on an item in a
// group, uploaded at the group's earliest-observed timestamp for that item.
type Tag struct {
	Kind     Kind
	ItemKey  string
	Group    string
	Key      string
	Value    string
	Uploaded time.Time
}

// CreateRequest batches every (key, value) pair to write for one item
// across one or more groups in a single logical call.
type CreateRequest struct {
	Kind    Kind
	ItemKey string
	// Groups maps each group this item is visible in to the earliest
	// timestamp that group observed the item (spec §4.3's
	// earliest_per_group), which becomes every tag row's `uploaded`.
	Groups map[string]time.Time
	Tags   map[string][]string // key -> values
}

// DeleteRequest tombstones every tag row for an item in the given groups;
// callers must have pre-authorized editing those groups (spec §4.3: "never
// silently deletes rows in groups the caller may not edit").
type DeleteRequest struct {
	Kind    Kind
	ItemKey string
	Groups  []string
	// Keys restricts the delete to specific tag keys; empty means all keys.
	Keys []string
}

// TagSet is the read-side shape: tags[key][value] = set of groups the
// (item, key, value) triple is visible in (spec §4.3's read path).
type TagSet map[string]map[string]map[string]struct{}

// Store is the storage contract tagstore needs: write/scan/delete rows,
// and the partition census counter increment on insert.
type Store interface {
	InsertTag(ctx context.Context, t Tag, partitionSize int64) error
	ScanTags(ctx context.Context, kind Kind, groups []string, itemKey string) ([]Tag, error)
	DeleteTags(ctx context.Context, kind Kind, itemKey string, groups []string, keys []string) error
}

// TagStore is the C3 tag write/read/delete engine.
type TagStore struct {
	store         Store
	partitionSize int64
}

// New builds a TagStore against the given backing Store, using
// partitionSize (seconds) to align tag bucketization with the item's own
// bucketization (spec §4.3).
func New(store Store, partitionSize int64) *TagStore {
	return &TagStore{store: store, partitionSize: partitionSize}
}

// Create writes one row per (group, key, value) in req, each uploaded at
// that group's earliest-observed timestamp for the item.
func (t *TagStore) Create(ctx context.Context, req CreateRequest) error {
	if req.ItemKey == "" {
		return errors.MissingParameter("item_key")
	}
	if len(req.Groups) == 0 {
		return errors.InvalidInput("groups", "at least one group is required")
	}

	for group, uploaded := range req.Groups {
		for key, values := range req.Tags {
			for _, value := range values {
				tag := Tag{
					Kind:     req.Kind,
					ItemKey:  req.ItemKey,
					Group:    group,
					Key:      key,
					Value:    value,
					Uploaded: uploaded,
				}
				if err := t.store.InsertTag(ctx, tag, t.partitionSize); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Get populates a TagSet for an item visible in any of `groups`, per the
// invariant: tags[k][v] contains g iff a live tag row (item, g, k, v)
// exists (spec §4.3).
func (t *TagStore) Get(ctx context.Context, kind Kind, groups []string, itemKey string) (TagSet, error) {
	rows, err := t.store.ScanTags(ctx, kind, groups, itemKey)
	if err != nil {
		return nil, err
	}
	out := make(TagSet)
	for _, row := range rows {
		if out[row.Key] == nil {
			out[row.Key] = make(map[string]map[string]struct{})
		}
		if out[row.Key][row.Value] == nil {
			out[row.Key][row.Value] = make(map[string]struct{})
		}
		out[row.Key][row.Value][row.Group] = struct{}{}
	}
	return out, nil
}

// Delete tombstones every matching tag row for an item in the given
// groups. Callers are responsible for authorizing edit access to every
// group named (spec §4.3).
func (t *TagStore) Delete(ctx context.Context, req DeleteRequest) error {
	if req.ItemKey == "" {
		return errors.MissingParameter("item_key")
	}
	if len(req.Groups) == 0 {
		return errors.InvalidInput("groups", "at least one group is required")
	}
	return t.store.DeleteTags(ctx, req.Kind, req.ItemKey, req.Groups, req.Keys)
}

// BucketKeyFor computes the partition key a tag row for `uploaded` falls
// in, reusing C1's bucket math so tag scans walk the same buckets the
// item's own primary rows live in.
func BucketKeyFor(kind Kind, group string, uploaded time.Time) partition.Key {
	return partition.KeyFor(partition.Kind(kind), group, uploaded, 30*86400)
}
