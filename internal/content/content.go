// Package content implements the C5 content entities: samples (files),
// repos, and entities. Each is content-addressed (sha256, canonical URL,
// uuid respectively), shared across every group that holds it, and
// removed once its last group is removed (spec §3.1, §3.4, §3.5).
package content

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

// EntityKind discriminates an Entity's metadata variant.
type EntityKind string

const (
	EntityKindDevice EntityKind = "device"
	EntityKindVendor EntityKind = "vendor"
	EntityKindOther  EntityKind = "other"
)

// Submission is one originating upload of a Sample into a group.
type Submission struct {
	Group     string
	Submitter string
	Filename  string
	Uploaded  time.Time
}

// Sample is a file, keyed by its content sha256.
type Sample struct {
	Sha256      string
	Sha1        string
	Md5         string
	Size        int64
	MimeType    string
	Groups      map[string]time.Time // group -> earliest-observed timestamp
	Submissions []Submission
}

// Commitish is one named reference (branch, tag, or commit) into a Repo.
type Commitish struct {
	Name string
	Kind string // branch|tag|commit
}

// Repo is a source repository, keyed by its canonical URL.
type Repo struct {
	URL        string
	Groups     map[string]time.Time
	Commitish  []Commitish
	EarliestAt time.Time
}

// Entity is a tenant-editable record (device, vendor, or other), keyed by
// a caller-assigned uuid.
type Entity struct {
	UUID      string
	Kind      EntityKind
	Name      string
	Metadata  map[string]string
	Groups    map[string]time.Time
	ImageSha  string // optional blob reference for an associated image
	CreatedAt time.Time
}

// Store is the storage contract content needs: one set of primitives per
// kind plus group add/remove, all implemented by the Scylla layer.
type Store interface {
	UpsertSample(ctx context.Context, s Sample) error
	GetSample(ctx context.Context, sha256 string) (*Sample, error)
	AddSampleGroup(ctx context.Context, sha256, group string, observed time.Time, sub Submission) error
	RemoveSampleGroup(ctx context.Context, sha256, group string) (remainingGroups int, err error)
	DeleteSample(ctx context.Context, sha256 string) error

	UpsertRepo(ctx context.Context, r Repo) error
	GetRepo(ctx context.Context, url string) (*Repo, error)
	AddRepoGroup(ctx context.Context, url, group string, observed time.Time) error
	RemoveRepoGroup(ctx context.Context, url, group string) (remainingGroups int, err error)
	DeleteRepo(ctx context.Context, url string) error

	UpsertEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, uuid string) (*Entity, error)
	AddEntityGroup(ctx context.Context, uuid, group string, observed time.Time) error
	RemoveEntityGroup(ctx context.Context, uuid, group string) (remainingGroups int, err error)
	DeleteEntity(ctx context.Context, uuid string) error
}

// Content is the C5 content entity service.
type Content struct {
	store Store
	now   func() time.Time
}

// New builds a Content service over the given Store.
func New(store Store) *Content {
	return &Content{store: store, now: time.Now}
}

// CreateSample upserts a sample and attaches the submission's group,
// pinning the group's observed timestamp to the submission time if the
// sample is new to that group (spec §3.1's "one submission per
// originating upload").
func (c *Content) CreateSample(ctx context.Context, s Sample, group string, sub Submission) error {
	if s.Sha256 == "" {
		return errors.MissingParameter("sha256")
	}
	if group == "" {
		return errors.MissingParameter("group")
	}
	existing, err := c.store.GetSample(ctx, s.Sha256)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if existing == nil {
		if s.Groups == nil {
			s.Groups = map[string]time.Time{}
		}
		if err := c.store.UpsertSample(ctx, s); err != nil {
			return err
		}
	}
	observed := sub.Uploaded
	if observed.IsZero() {
		observed = c.now()
	}
	sub.Group = group
	return c.store.AddSampleGroup(ctx, s.Sha256, group, observed, sub)
}

// GetSample fetches a sample visible to at least one of the caller's groups.
func (c *Content) GetSample(ctx context.Context, sha256 string, callerGroups []string) (*Sample, error) {
	s, err := c.store.GetSample(ctx, sha256)
	if err != nil {
		return nil, err
	}
	if !anyGroupVisible(s.Groups, callerGroups) {
		return nil, errors.NotFound("sample", sha256)
	}
	return s, nil
}

// RemoveSampleFromGroup removes a group's membership; the sample itself
// is deleted once its last group is removed (spec §3.4).
func (c *Content) RemoveSampleFromGroup(ctx context.Context, sha256, group string) error {
	remaining, err := c.store.RemoveSampleGroup(ctx, sha256, group)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return c.store.DeleteSample(ctx, sha256)
	}
	return nil
}

// CreateRepo upserts a repo and attaches it to group, merging commitish
// references rather than overwriting them if the repo already exists.
func (c *Content) CreateRepo(ctx context.Context, r Repo, group string) error {
	if r.URL == "" {
		return errors.MissingParameter("url")
	}
	if group == "" {
		return errors.MissingParameter("group")
	}
	existing, err := c.store.GetRepo(ctx, r.URL)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if existing == nil {
		if r.Groups == nil {
			r.Groups = map[string]time.Time{}
		}
		if r.EarliestAt.IsZero() {
			r.EarliestAt = c.now()
		}
		if err := c.store.UpsertRepo(ctx, r); err != nil {
			return err
		}
	} else {
		known := make(map[Commitish]bool, len(existing.Commitish))
		for _, ref := range existing.Commitish {
			known[ref] = true
		}
		merged := false
		for _, ref := range r.Commitish {
			if !known[ref] {
				known[ref] = true
				existing.Commitish = append(existing.Commitish, ref)
				merged = true
			}
		}
		if merged {
			if err := c.store.UpsertRepo(ctx, *existing); err != nil {
				return err
			}
		}
	}
	observed := r.EarliestAt
	if observed.IsZero() {
		observed = c.now()
	}
	return c.store.AddRepoGroup(ctx, r.URL, group, observed)
}

// GetRepo fetches a repo visible to at least one of the caller's groups.
func (c *Content) GetRepo(ctx context.Context, url string, callerGroups []string) (*Repo, error) {
	r, err := c.store.GetRepo(ctx, url)
	if err != nil {
		return nil, err
	}
	if !anyGroupVisible(r.Groups, callerGroups) {
		return nil, errors.NotFound("repo", url)
	}
	return r, nil
}

// RemoveRepoFromGroup removes a group's membership, deleting the repo
// once its last group is removed.
func (c *Content) RemoveRepoFromGroup(ctx context.Context, url, group string) error {
	remaining, err := c.store.RemoveRepoGroup(ctx, url, group)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return c.store.DeleteRepo(ctx, url)
	}
	return nil
}

// CreateEntity creates a tenant-owned entity. Unlike samples and repos,
// an entity's identity (uuid) is caller-assigned, not content-derived.
func (c *Content) CreateEntity(ctx context.Context, e Entity, group string) error {
	if e.UUID == "" {
		return errors.MissingParameter("uuid")
	}
	if group == "" {
		return errors.MissingParameter("group")
	}
	if e.Groups == nil {
		e.Groups = map[string]time.Time{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if err := c.store.UpsertEntity(ctx, e); err != nil {
		return err
	}
	return c.store.AddEntityGroup(ctx, e.UUID, group, e.CreatedAt)
}

// GetEntity fetches an entity visible to at least one of the caller's groups.
func (c *Content) GetEntity(ctx context.Context, uuid string, callerGroups []string) (*Entity, error) {
	e, err := c.store.GetEntity(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !anyGroupVisible(e.Groups, callerGroups) {
		return nil, errors.NotFound("entity", uuid)
	}
	return e, nil
}

// UpdateEntity overwrites a tenant-editable entity's fields, re-upserting
// it without touching group membership.
func (c *Content) UpdateEntity(ctx context.Context, e Entity) error {
	if e.UUID == "" {
		return errors.MissingParameter("uuid")
	}
	existing, err := c.store.GetEntity(ctx, e.UUID)
	if err != nil {
		return err
	}
	e.Groups = existing.Groups
	if e.CreatedAt.IsZero() {
		e.CreatedAt = existing.CreatedAt
	}
	return c.store.UpsertEntity(ctx, e)
}

// RemoveEntityFromGroup removes a group's membership, deleting the
// entity once its last group is removed.
func (c *Content) RemoveEntityFromGroup(ctx context.Context, uuid, group string) error {
	remaining, err := c.store.RemoveEntityGroup(ctx, uuid, group)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return c.store.DeleteEntity(ctx, uuid)
	}
	return nil
}

func anyGroupVisible(groups map[string]time.Time, callerGroups []string) bool {
	for _, g := range callerGroups {
		if _, ok := groups[g]; ok {
			return true
		}
	}
	return false
}
