package scylla

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/internal/partition"
	"github.com/thorium-research/thorium/internal/tagstore"
)

// InsertTag implements tagstore.Store: one row per (kind, item_key, group,
// key, value), plus the partition census counter for the bucket the tag's
// `uploaded` timestamp falls in (spec §4.3's bucketized writes).
func (s *Session) InsertTag(ctx context.Context, t tagstore.Tag, partitionSize int64) error {
	stmt := `INSERT INTO tags (kind, item_key, group, key, value, uploaded) VALUES (?, ?, ?, ?, ?, ?)`
	if err := s.Exec(ctx, stmt, string(t.Kind), t.ItemKey, t.Group, t.Key, t.Value, t.Uploaded); err != nil {
		return err
	}

	// Reverse index: (kind, key, value) -> item_key, used by the C6
	// traversal's related-by-tag sibling search, which has no other way
	// to find every item sharing a tag value without a full scan.
	byValue := `INSERT INTO tags_by_value (kind, key, value, group, item_key) VALUES (?, ?, ?, ?, ?)`
	if err := s.Exec(ctx, byValue, string(t.Kind), t.Key, t.Value, t.Group, t.ItemKey); err != nil {
		return err
	}

	key := partition.KeyFor(partition.KindTag, t.Group, t.Uploaded, partitionSize)
	return s.IncrCensus(ctx, key.CensusKey("thorium"), key.Bucket, 1)
}

// ScanTags implements tagstore.Store: every tag row for an item visible in
// any of the given groups.
func (s *Session) ScanTags(ctx context.Context, kind tagstore.Kind, groups []string, itemKey string) ([]tagstore.Tag, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	stmt := `SELECT group, key, value, uploaded FROM tags WHERE kind = ? AND item_key = ? AND group IN ?`
	var out []tagstore.Tag
	err := s.ScanAll(ctx, stmt, []interface{}{string(kind), itemKey, groups}, func(row map[string]interface{}) error {
		tag := tagstore.Tag{Kind: kind, ItemKey: itemKey}
		if v, ok := row["group"].(string); ok {
			tag.Group = v
		}
		if v, ok := row["key"].(string); ok {
			tag.Key = v
		}
		if v, ok := row["value"].(string); ok {
			tag.Value = v
		}
		if ts, ok := row["uploaded"].(time.Time); ok {
			tag.Uploaded = ts
		}
		out = append(out, tag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTags implements tagstore.Store: tombstones matching rows per
// group, optionally narrowed to specific keys (spec §4.3's authorized
// delete path).
func (s *Session) DeleteTags(ctx context.Context, kind tagstore.Kind, itemKey string, groups []string, keys []string) error {
	for _, group := range groups {
		if len(keys) == 0 {
			stmt := `DELETE FROM tags WHERE kind = ? AND item_key = ? AND group = ?`
			if err := s.Exec(ctx, stmt, string(kind), itemKey, group); err != nil {
				return err
			}
			continue
		}
		for _, key := range keys {
			stmt := `DELETE FROM tags WHERE kind = ? AND item_key = ? AND group = ? AND key = ?`
			if err := s.Exec(ctx, stmt, string(kind), itemKey, group, key); err != nil {
				return err
			}
		}
	}
	return nil
}
