package scylla

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thorium-research/thorium/internal/assoc"
	"github.com/thorium-research/thorium/internal/content"
)

// Content rows are stored as a single JSON blob keyed by the item's
// natural identity (sha256 | url | uuid). The identity columns are
// duplicated alongside the blob so an operator can filter with CQL
// without deserializing, but every Store method here round-trips through
// the blob — the nested Groups/Submissions/Commitish shapes have no
// access pattern that benefits from a fully relational schema.

// UpsertSample implements content.Store.
func (s *Session) UpsertSample(ctx context.Context, sample content.Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return marshalErr("sample", err)
	}
	stmt := `INSERT INTO samples (sha256, data) VALUES (?, ?)`
	return s.Exec(ctx, stmt, sample.Sha256, string(data))
}

// GetSample implements content.Store.
func (s *Session) GetSample(ctx context.Context, sha256 string) (*content.Sample, error) {
	var sample content.Sample
	if err := s.loadBlob(ctx, "samples", "sha256", sha256, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// AddSampleGroup implements content.Store: read-modify-write the group
// membership map and append the submission record.
func (s *Session) AddSampleGroup(ctx context.Context, sha256, group string, observed time.Time, sub content.Submission) error {
	sample, err := s.GetSample(ctx, sha256)
	if err != nil {
		return err
	}
	if sample.Groups == nil {
		sample.Groups = map[string]time.Time{}
	}
	if _, exists := sample.Groups[group]; !exists {
		sample.Groups[group] = observed
	}
	sample.Submissions = append(sample.Submissions, sub)
	return s.UpsertSample(ctx, *sample)
}

// RemoveSampleGroup implements content.Store.
func (s *Session) RemoveSampleGroup(ctx context.Context, sha256, group string) (int, error) {
	sample, err := s.GetSample(ctx, sha256)
	if err != nil {
		return 0, err
	}
	delete(sample.Groups, group)
	if err := s.UpsertSample(ctx, *sample); err != nil {
		return 0, err
	}
	return len(sample.Groups), nil
}

// DeleteSample implements content.Store.
func (s *Session) DeleteSample(ctx context.Context, sha256 string) error {
	return s.Exec(ctx, `DELETE FROM samples WHERE sha256 = ?`, sha256)
}

// UpsertRepo implements content.Store.
func (s *Session) UpsertRepo(ctx context.Context, repo content.Repo) error {
	data, err := json.Marshal(repo)
	if err != nil {
		return marshalErr("repo", err)
	}
	stmt := `INSERT INTO repos (url, data) VALUES (?, ?)`
	return s.Exec(ctx, stmt, repo.URL, string(data))
}

// GetRepo implements content.Store.
func (s *Session) GetRepo(ctx context.Context, url string) (*content.Repo, error) {
	var repo content.Repo
	if err := s.loadBlob(ctx, "repos", "url", url, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// AddRepoGroup implements content.Store.
func (s *Session) AddRepoGroup(ctx context.Context, url, group string, observed time.Time) error {
	repo, err := s.GetRepo(ctx, url)
	if err != nil {
		return err
	}
	if repo.Groups == nil {
		repo.Groups = map[string]time.Time{}
	}
	if _, exists := repo.Groups[group]; !exists {
		repo.Groups[group] = observed
	}
	if repo.EarliestAt.IsZero() || observed.Before(repo.EarliestAt) {
		repo.EarliestAt = observed
	}
	return s.UpsertRepo(ctx, *repo)
}

// RemoveRepoGroup implements content.Store.
func (s *Session) RemoveRepoGroup(ctx context.Context, url, group string) (int, error) {
	repo, err := s.GetRepo(ctx, url)
	if err != nil {
		return 0, err
	}
	delete(repo.Groups, group)
	if err := s.UpsertRepo(ctx, *repo); err != nil {
		return 0, err
	}
	return len(repo.Groups), nil
}

// DeleteRepo implements content.Store.
func (s *Session) DeleteRepo(ctx context.Context, url string) error {
	return s.Exec(ctx, `DELETE FROM repos WHERE url = ?`, url)
}

// UpsertEntity implements content.Store.
func (s *Session) UpsertEntity(ctx context.Context, entity content.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return marshalErr("entity", err)
	}
	stmt := `INSERT INTO entities (uuid, data) VALUES (?, ?)`
	return s.Exec(ctx, stmt, entity.UUID, string(data))
}

// GetEntity implements content.Store.
func (s *Session) GetEntity(ctx context.Context, uuid string) (*content.Entity, error) {
	var entity content.Entity
	if err := s.loadBlob(ctx, "entities", "uuid", uuid, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// AddEntityGroup implements content.Store.
func (s *Session) AddEntityGroup(ctx context.Context, uuid, group string, observed time.Time) error {
	entity, err := s.GetEntity(ctx, uuid)
	if err != nil {
		return err
	}
	if entity.Groups == nil {
		entity.Groups = map[string]time.Time{}
	}
	if _, exists := entity.Groups[group]; !exists {
		entity.Groups[group] = observed
	}
	return s.UpsertEntity(ctx, *entity)
}

// RemoveEntityGroup implements content.Store.
func (s *Session) RemoveEntityGroup(ctx context.Context, uuid, group string) (int, error) {
	entity, err := s.GetEntity(ctx, uuid)
	if err != nil {
		return 0, err
	}
	delete(entity.Groups, group)
	if err := s.UpsertEntity(ctx, *entity); err != nil {
		return 0, err
	}
	return len(entity.Groups), nil
}

// DeleteEntity implements content.Store.
func (s *Session) DeleteEntity(ctx context.Context, uuid string) error {
	return s.Exec(ctx, `DELETE FROM entities WHERE uuid = ?`, uuid)
}

// GroupsFor implements assoc.GroupLookup over the same sample/repo/entity
// tables, so the association graph's group-intersection step (spec §4.4
// step 2) sees the same membership Content does.
func (s *Session) GroupsFor(ctx context.Context, target assoc.Target) ([]string, error) {
	var groups map[string]time.Time
	switch target.Kind {
	case assoc.TargetFile:
		sample, err := s.GetSample(ctx, target.Key)
		if err != nil {
			return nil, ignoreNotFound(err)
		}
		groups = sample.Groups
	case assoc.TargetRepo:
		repo, err := s.GetRepo(ctx, target.Key)
		if err != nil {
			return nil, ignoreNotFound(err)
		}
		groups = repo.Groups
	case assoc.TargetEntity:
		entity, err := s.GetEntity(ctx, target.Key)
		if err != nil {
			return nil, ignoreNotFound(err)
		}
		groups = entity.Groups
	}
	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *Session) loadBlob(ctx context.Context, table, keyCol, key string, dest interface{}) error {
	stmt := `SELECT data FROM ` + table + ` WHERE ` + keyCol + ` = ?`
	row := make(map[string]interface{})
	if err := s.ScanOne(ctx, table, stmt, []interface{}{key}, row); err != nil {
		return err
	}
	data, _ := row["data"].(string)
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return marshalErr(table, err)
	}
	return nil
}
