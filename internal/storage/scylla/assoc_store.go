package scylla

import (
	"context"
	"time"

	"github.com/thorium-research/thorium/internal/assoc"
)

// WriteEdge implements assoc.Store: one forward row keyed by the source
// endpoint, plus a reverse row keyed by the other endpoint so the edge can
// be found from either side (spec §4.4's bidirectional lookups, and the C6
// traversal's parent/child gathering).
func (s *Session) WriteEdge(ctx context.Context, source, other assoc.Target, kind assoc.Kind, group string, direction assoc.Direction, created time.Time) error {
	fwd := `INSERT INTO assoc_edges (source_kind, source_key, kind, group, other_kind, other_key, direction, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if err := s.Exec(ctx, fwd, string(source.Kind), source.Key, string(kind), group, string(other.Kind), other.Key, string(direction), created); err != nil {
		return err
	}

	rev := `INSERT INTO assoc_edges_by_other (other_kind, other_key, kind, group, source_kind, source_key, direction, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return s.Exec(ctx, rev, string(other.Kind), other.Key, string(kind), group, string(source.Kind), source.Key, string(direction), created)
}

// DeleteEdges implements assoc.Store: removes each listed edge from both
// the forward and reverse tables.
func (s *Session) DeleteEdges(ctx context.Context, source assoc.Target, edges []assoc.Association) error {
	for _, e := range edges {
		for _, group := range e.Groups {
			fwd := `DELETE FROM assoc_edges WHERE source_kind = ? AND source_key = ? AND kind = ? AND group = ? AND other_kind = ? AND other_key = ?`
			if err := s.Exec(ctx, fwd, string(source.Kind), source.Key, string(e.Kind), group, string(e.Other.Kind), e.Other.Key); err != nil {
				return err
			}
			rev := `DELETE FROM assoc_edges_by_other WHERE other_kind = ? AND other_key = ? AND kind = ? AND group = ? AND source_kind = ? AND source_key = ?`
			if err := s.Exec(ctx, rev, string(e.Other.Kind), e.Other.Key, string(e.Kind), group, string(source.Kind), source.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListOutbound returns every edge where target is the source endpoint,
// used by the C6 traversal to gather children/associations.
func (s *Session) ListOutbound(ctx context.Context, target assoc.Target) ([]assoc.Association, error) {
	stmt := `SELECT kind, group, other_kind, other_key, direction, created FROM assoc_edges WHERE source_kind = ? AND source_key = ?`
	var out []assoc.Association
	err := s.ScanAll(ctx, stmt, []interface{}{string(target.Kind), target.Key}, func(row map[string]interface{}) error {
		out = append(out, associationFromRow(target, row, true))
		return nil
	})
	return out, err
}

// ListInbound returns every edge where target is the other endpoint, used
// by the C6 traversal to gather parents.
func (s *Session) ListInbound(ctx context.Context, target assoc.Target) ([]assoc.Association, error) {
	stmt := `SELECT kind, group, source_kind, source_key, direction, created FROM assoc_edges_by_other WHERE other_kind = ? AND other_key = ?`
	var out []assoc.Association
	err := s.ScanAll(ctx, stmt, []interface{}{string(target.Kind), target.Key}, func(row map[string]interface{}) error {
		out = append(out, associationFromRow(target, row, false))
		return nil
	})
	return out, err
}

func associationFromRow(self assoc.Target, row map[string]interface{}, outbound bool) assoc.Association {
	a := assoc.Association{ToSource: !outbound}
	if v, ok := row["kind"].(string); ok {
		a.Kind = assoc.Kind(v)
	}
	if v, ok := row["group"].(string); ok {
		a.Groups = []string{v}
	}
	if v, ok := row["created"].(time.Time); ok {
		a.Created = v
	}

	otherKindCol, otherKeyCol := "other_kind", "other_key"
	if !outbound {
		otherKindCol, otherKeyCol = "source_kind", "source_key"
	}
	other := assoc.Target{}
	if v, ok := row[otherKindCol].(string); ok {
		other.Kind = assoc.TargetKind(v)
	}
	if v, ok := row[otherKeyCol].(string); ok {
		other.Key = v
	}

	if outbound {
		a.Source, a.Other = self, other
	} else {
		a.Source, a.Other = other, self
	}
	return a
}
