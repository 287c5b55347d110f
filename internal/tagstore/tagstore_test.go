package tagstore

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	rows []Tag
}

func (f *fakeStore) InsertTag(ctx context.Context, t Tag, partitionSize int64) error {
	f.rows = append(f.rows, t)
	return nil
}

func (f *fakeStore) ScanTags(ctx context.Context, kind Kind, groups []string, itemKey string) ([]Tag, error) {
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}
	var out []Tag
	for _, row := range f.rows {
		if row.Kind != kind || row.ItemKey != itemKey {
			continue
		}
		if _, ok := groupSet[row.Group]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteTags(ctx context.Context, kind Kind, itemKey string, groups []string, keys []string) error {
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var kept []Tag
	for _, row := range f.rows {
		if row.Kind == kind && row.ItemKey == itemKey {
			if _, g := groupSet[row.Group]; g {
				if len(keySet) == 0 {
					continue
				}
				if _, k := keySet[row.Key]; k {
					continue
				}
			}
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return nil
}

func TestCreateAndGet_RoundTrip(t *testing.T) {
	store := &fakeStore{}
	ts := New(store, 30*86400)

	now := time.Now()
	err := ts.Create(context.Background(), CreateRequest{
		Kind:    KindFile,
		ItemKey: "sha256:abc",
		Groups:  map[string]time.Time{"research": now},
		Tags:    map[string][]string{"family": {"emotet", "trickbot"}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tags, err := ts.Get(context.Background(), KindFile, []string{"research"}, "sha256:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if _, ok := tags["family"]["emotet"]["research"]; !ok {
		t.Error("expected family=emotet visible in research group")
	}
	if _, ok := tags["family"]["trickbot"]["research"]; !ok {
		t.Error("expected family=trickbot visible in research group")
	}
}

func TestGet_GroupIsolation(t *testing.T) {
	store := &fakeStore{}
	ts := New(store, 30*86400)
	now := time.Now()

	_ = ts.Create(context.Background(), CreateRequest{
		Kind:    KindFile,
		ItemKey: "sha256:abc",
		Groups:  map[string]time.Time{"group-a": now},
		Tags:    map[string][]string{"k": {"v"}},
	})

	tags, err := ts.Get(context.Background(), KindFile, []string{"group-b"}, "sha256:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("expected no tags visible from group-b, got %v", tags)
	}
}

func TestDelete_TombstonesRow(t *testing.T) {
	store := &fakeStore{}
	ts := New(store, 30*86400)
	now := time.Now()

	_ = ts.Create(context.Background(), CreateRequest{
		Kind:    KindFile,
		ItemKey: "sha256:abc",
		Groups:  map[string]time.Time{"research": now},
		Tags:    map[string][]string{"family": {"emotet"}},
	})

	err := ts.Delete(context.Background(), DeleteRequest{
		Kind:    KindFile,
		ItemKey: "sha256:abc",
		Groups:  []string{"research"},
		Keys:    []string{"family"},
	})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	tags, _ := ts.Get(context.Background(), KindFile, []string{"research"}, "sha256:abc")
	if len(tags) != 0 {
		t.Errorf("expected tags deleted, got %v", tags)
	}
}

func TestCreate_RequiresGroups(t *testing.T) {
	store := &fakeStore{}
	ts := New(store, 30*86400)

	err := ts.Create(context.Background(), CreateRequest{Kind: KindFile, ItemKey: "x"})
	if err == nil {
		t.Fatal("expected error for empty groups")
	}
}
