package content

import (
	"context"
	"testing"
	"time"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

type fakeStore struct {
	samples map[string]*Sample
	repos   map[string]*Repo
	entities map[string]*Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		samples:  map[string]*Sample{},
		repos:    map[string]*Repo{},
		entities: map[string]*Entity{},
	}
}

func (f *fakeStore) UpsertSample(ctx context.Context, s Sample) error {
	cp := s
	f.samples[s.Sha256] = &cp
	return nil
}

func (f *fakeStore) GetSample(ctx context.Context, sha256 string) (*Sample, error) {
	s, ok := f.samples[sha256]
	if !ok {
		return nil, errors.NotFound("sample", sha256)
	}
	return s, nil
}

func (f *fakeStore) AddSampleGroup(ctx context.Context, sha256, group string, observed time.Time, sub Submission) error {
	s, ok := f.samples[sha256]
	if !ok {
		return errors.NotFound("sample", sha256)
	}
	if s.Groups == nil {
		s.Groups = map[string]time.Time{}
	}
	s.Groups[group] = observed
	s.Submissions = append(s.Submissions, sub)
	return nil
}

func (f *fakeStore) RemoveSampleGroup(ctx context.Context, sha256, group string) (int, error) {
	s, ok := f.samples[sha256]
	if !ok {
		return 0, errors.NotFound("sample", sha256)
	}
	delete(s.Groups, group)
	return len(s.Groups), nil
}

func (f *fakeStore) DeleteSample(ctx context.Context, sha256 string) error {
	delete(f.samples, sha256)
	return nil
}

func (f *fakeStore) UpsertRepo(ctx context.Context, r Repo) error {
	cp := r
	f.repos[r.URL] = &cp
	return nil
}

func (f *fakeStore) GetRepo(ctx context.Context, url string) (*Repo, error) {
	r, ok := f.repos[url]
	if !ok {
		return nil, errors.NotFound("repo", url)
	}
	return r, nil
}

func (f *fakeStore) AddRepoGroup(ctx context.Context, url, group string, observed time.Time) error {
	r, ok := f.repos[url]
	if !ok {
		return errors.NotFound("repo", url)
	}
	if r.Groups == nil {
		r.Groups = map[string]time.Time{}
	}
	r.Groups[group] = observed
	return nil
}

func (f *fakeStore) RemoveRepoGroup(ctx context.Context, url, group string) (int, error) {
	r, ok := f.repos[url]
	if !ok {
		return 0, errors.NotFound("repo", url)
	}
	delete(r.Groups, group)
	return len(r.Groups), nil
}

func (f *fakeStore) DeleteRepo(ctx context.Context, url string) error {
	delete(f.repos, url)
	return nil
}

func (f *fakeStore) UpsertEntity(ctx context.Context, e Entity) error {
	cp := e
	f.entities[e.UUID] = &cp
	return nil
}

func (f *fakeStore) GetEntity(ctx context.Context, uuid string) (*Entity, error) {
	e, ok := f.entities[uuid]
	if !ok {
		return nil, errors.NotFound("entity", uuid)
	}
	return e, nil
}

func (f *fakeStore) AddEntityGroup(ctx context.Context, uuid, group string, observed time.Time) error {
	e, ok := f.entities[uuid]
	if !ok {
		return errors.NotFound("entity", uuid)
	}
	if e.Groups == nil {
		e.Groups = map[string]time.Time{}
	}
	e.Groups[group] = observed
	return nil
}

func (f *fakeStore) RemoveEntityGroup(ctx context.Context, uuid, group string) (int, error) {
	e, ok := f.entities[uuid]
	if !ok {
		return 0, errors.NotFound("entity", uuid)
	}
	delete(e.Groups, group)
	return len(e.Groups), nil
}

func (f *fakeStore) DeleteEntity(ctx context.Context, uuid string) error {
	delete(f.entities, uuid)
	return nil
}

func TestCreateSample_NewSampleIsVisibleToItsGroup(t *testing.T) {
	store := newFakeStore()
	c := New(store)

	err := c.CreateSample(context.Background(), Sample{Sha256: "abc", Size: 100}, "research", Submission{Filename: "a.bin"})
	if err != nil {
		t.Fatalf("CreateSample() error = %v", err)
	}

	s, err := c.GetSample(context.Background(), "abc", []string{"research"})
	if err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	if len(s.Submissions) != 1 {
		t.Errorf("expected 1 submission, got %d", len(s.Submissions))
	}
}

func TestCreateSample_SecondGroupAddsSubmissionNotNewSample(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "group-a", Submission{Filename: "a.bin"})
	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "group-b", Submission{Filename: "a.bin"})

	s, err := c.GetSample(ctx, "abc", []string{"group-b"})
	if err != nil {
		t.Fatalf("GetSample() error = %v", err)
	}
	if len(s.Groups) != 2 {
		t.Errorf("expected sample visible in 2 groups, got %v", s.Groups)
	}
	if len(s.Submissions) != 2 {
		t.Errorf("expected 2 submissions recorded, got %d", len(s.Submissions))
	}
}

func TestGetSample_HiddenFromUnrelatedGroup(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()
	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "group-a", Submission{})

	_, err := c.GetSample(ctx, "abc", []string{"group-b"})
	if err == nil {
		t.Fatal("expected NotFound for unrelated group")
	}
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFound error, got %v", err)
	}
}

func TestRemoveSampleFromGroup_DeletesOnLastGroup(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()
	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "only-group", Submission{})

	if err := c.RemoveSampleFromGroup(ctx, "abc", "only-group"); err != nil {
		t.Fatalf("RemoveSampleFromGroup() error = %v", err)
	}
	if _, ok := store.samples["abc"]; ok {
		t.Error("expected sample deleted after last group removed")
	}
}

func TestRemoveSampleFromGroup_KeepsSampleWithRemainingGroups(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()
	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "group-a", Submission{})
	_ = c.CreateSample(ctx, Sample{Sha256: "abc"}, "group-b", Submission{})

	if err := c.RemoveSampleFromGroup(ctx, "abc", "group-a"); err != nil {
		t.Fatalf("RemoveSampleFromGroup() error = %v", err)
	}
	if _, ok := store.samples["abc"]; !ok {
		t.Error("expected sample to survive with one group remaining")
	}
}

func TestCreateRepo_MergesGroupsAcrossCalls(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	_ = c.CreateRepo(ctx, Repo{URL: "github.com/curl/curl"}, "group-a")
	_ = c.CreateRepo(ctx, Repo{URL: "github.com/curl/curl"}, "group-b")

	r, err := c.GetRepo(ctx, "github.com/curl/curl", []string{"group-b"})
	if err != nil {
		t.Fatalf("GetRepo() error = %v", err)
	}
	if len(r.Groups) != 2 {
		t.Errorf("expected 2 groups, got %v", r.Groups)
	}
}

func TestCreateEntity_RequiresUUIDAndGroup(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	if err := c.CreateEntity(ctx, Entity{}, "group-a"); err == nil {
		t.Fatal("expected error for missing uuid")
	}
	if err := c.CreateEntity(ctx, Entity{UUID: "u1"}, ""); err == nil {
		t.Fatal("expected error for missing group")
	}
}

func TestUpdateEntity_PreservesGroupMembership(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()

	_ = c.CreateEntity(ctx, Entity{UUID: "u1", Kind: EntityKindDevice, Name: "router"}, "group-a")
	_ = c.UpdateEntity(ctx, Entity{UUID: "u1", Kind: EntityKindDevice, Name: "router-v2"})

	e, err := c.GetEntity(ctx, "u1", []string{"group-a"})
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if e.Name != "router-v2" {
		t.Errorf("expected updated name, got %q", e.Name)
	}
	if len(e.Groups) != 1 {
		t.Errorf("expected group membership preserved, got %v", e.Groups)
	}
}

func TestRemoveEntityFromGroup_DeletesOnLastGroup(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	ctx := context.Background()
	_ = c.CreateEntity(ctx, Entity{UUID: "u1"}, "only-group")

	if err := c.RemoveEntityFromGroup(ctx, "u1", "only-group"); err != nil {
		t.Fatalf("RemoveEntityFromGroup() error = %v", err)
	}
	if _, ok := store.entities["u1"]; ok {
		t.Error("expected entity deleted after last group removed")
	}
}
