package scylla

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thorium-research/thorium/internal/reaction"
)

// SaveReaction implements reaction.Store: the whole Reaction is stored as
// a JSON blob keyed by id, the same shape as content's sample/repo/entity
// rows, since the nested StageStatus/InputSet maps have no query pattern
// beyond "load by id".
func (s *Session) SaveReaction(ctx context.Context, r reaction.Reaction) error {
	data, err := json.Marshal(r)
	if err != nil {
		return marshalErr("reaction", err)
	}
	stmt := `INSERT INTO reactions (id, group, parent_id, data) VALUES (?, ?, ?, ?)`
	return s.Exec(ctx, stmt, r.ID, r.Group, r.ParentID, string(data))
}

// GetReaction implements reaction.Store.
func (s *Session) GetReaction(ctx context.Context, id string) (*reaction.Reaction, error) {
	stmt := `SELECT data FROM reactions WHERE id = ?`
	row := make(map[string]interface{})
	if err := s.ScanOne(ctx, "reactions", stmt, []interface{}{id}, row); err != nil {
		return nil, err
	}
	data, _ := row["data"].(string)
	var r reaction.Reaction
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, marshalErr("reaction", err)
	}
	return &r, nil
}

// AppendStatusUpdate implements reaction.Store: an append-only row per
// transition (spec §4.7).
func (s *Session) AppendStatusUpdate(ctx context.Context, u reaction.StatusUpdate) error {
	stmt := `INSERT INTO reaction_status_updates (reaction_id, at, from_status, to_status, message) VALUES (?, ?, ?, ?, ?)`
	return s.Exec(ctx, stmt, u.ReactionID, u.At, string(u.From), string(u.To), u.Message)
}

// AppendStageLog implements reaction.Store: one append-only line per
// (reaction, stage, seq).
func (s *Session) AppendStageLog(ctx context.Context, line reaction.StageLogLine) error {
	stmt := `INSERT INTO reaction_stage_logs (reaction_id, stage, seq, stream, line, at) VALUES (?, ?, ?, ?, ?, ?)`
	return s.Exec(ctx, stmt, line.Reaction, line.Stage, line.Seq, line.Stream, line.Line, line.At)
}

// ListStageLogs implements reaction.Store: paginated read forward from
// afterSeq (exclusive), ordered by seq ASC.
func (s *Session) ListStageLogs(ctx context.Context, reactionID string, stage int, afterSeq int64, limit int) ([]reaction.StageLogLine, error) {
	stmt := `SELECT seq, stream, line, at FROM reaction_stage_logs
		WHERE reaction_id = ? AND stage = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`
	var out []reaction.StageLogLine
	err := s.ScanAll(ctx, stmt, []interface{}{reactionID, stage, afterSeq, limit}, func(row map[string]interface{}) error {
		line := reaction.StageLogLine{Reaction: reactionID, Stage: stage}
		if v, ok := row["seq"].(int64); ok {
			line.Seq = v
		}
		if v, ok := row["stream"].(string); ok {
			line.Stream = v
		}
		if v, ok := row["line"].(string); ok {
			line.Line = v
		}
		if v, ok := row["at"].(time.Time); ok {
			line.At = v
		}
		out = append(out, line)
		return nil
	})
	return out, err
}

// ListSubReactions implements reaction.Store.
func (s *Session) ListSubReactions(ctx context.Context, parentID string) ([]reaction.Reaction, error) {
	stmt := `SELECT data FROM reactions WHERE parent_id = ? ALLOW FILTERING`
	var out []reaction.Reaction
	err := s.ScanAll(ctx, stmt, []interface{}{parentID}, func(row map[string]interface{}) error {
		data, _ := row["data"].(string)
		var r reaction.Reaction
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return marshalErr("reaction", err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// ScyllaPipelineLookup implements reaction.PipelineLookup over
// pipeline/image tables, the operator-authored configuration rows spec
// §3.1 describes rather than traversal data.
type ScyllaPipelineLookup struct {
	sess *Session
}

// NewPipelineLookup builds a reaction.PipelineLookup.
func NewPipelineLookup(sess *Session) *ScyllaPipelineLookup {
	return &ScyllaPipelineLookup{sess: sess}
}

// GetPipeline implements reaction.PipelineLookup.
func (p *ScyllaPipelineLookup) GetPipeline(ctx context.Context, group, name string) (*reaction.Pipeline, error) {
	stmt := `SELECT data FROM pipelines WHERE group = ? AND name = ?`
	row := make(map[string]interface{})
	if err := p.sess.ScanOne(ctx, "pipelines", stmt, []interface{}{group, name}, row); err != nil {
		return nil, err
	}
	data, _ := row["data"].(string)
	var pipeline reaction.Pipeline
	if err := json.Unmarshal([]byte(data), &pipeline); err != nil {
		return nil, marshalErr("pipeline", err)
	}
	return &pipeline, nil
}

// GetImage implements reaction.PipelineLookup.
func (p *ScyllaPipelineLookup) GetImage(ctx context.Context, group, name string) (*reaction.Image, error) {
	stmt := `SELECT data FROM images WHERE group = ? AND name = ?`
	row := make(map[string]interface{})
	if err := p.sess.ScanOne(ctx, "images", stmt, []interface{}{group, name}, row); err != nil {
		return nil, err
	}
	data, _ := row["data"].(string)
	var image reaction.Image
	if err := json.Unmarshal([]byte(data), &image); err != nil {
		return nil, marshalErr("image", err)
	}
	return &image, nil
}

// SavePipeline writes a pipeline definition, used by the operator-facing
// config loader rather than the reaction engine itself.
func (p *ScyllaPipelineLookup) SavePipeline(ctx context.Context, pipeline reaction.Pipeline) error {
	data, err := json.Marshal(pipeline)
	if err != nil {
		return marshalErr("pipeline", err)
	}
	stmt := `INSERT INTO pipelines (group, name, data) VALUES (?, ?, ?)`
	return p.sess.Exec(ctx, stmt, pipeline.Group, pipeline.Name, string(data))
}

// SaveImage writes an image definition.
func (p *ScyllaPipelineLookup) SaveImage(ctx context.Context, image reaction.Image) error {
	data, err := json.Marshal(image)
	if err != nil {
		return marshalErr("image", err)
	}
	stmt := `INSERT INTO images (group, name, data) VALUES (?, ?, ?)`
	return p.sess.Exec(ctx, stmt, image.Group, image.Name, string(data))
}
