package scylla

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thorium-research/thorium/internal/cursor"
)

// cursorSourceTable names the per-kind time-ordered table a cursor.Store
// reads from. Thorium's five time-ordered streams (files, repos,
// entities, tags, associations) all share the same (group, created,
// key) clustering shape, so one generic FetchPage serves all of them;
// ScyllaCursorStore picks the table at construction time.
type ScyllaCursorStore struct {
	sess  *Session
	table string
}

// NewCursorStore builds a cursor.Store reading one time-ordered table,
// e.g. "files_by_group" or "reactions_by_group" (spec §4.2, §6.4).
func NewCursorStore(sess *Session, table string) *ScyllaCursorStore {
	return &ScyllaCursorStore{sess: sess, table: table}
}

// FetchPage implements cursor.Store: walks backward in time from
// (afterCreated, afterKey) exclusive down to (not including) end, ordered
// created DESC with ties broken key ASC, capped at pageSize rows.
func (c *ScyllaCursorStore) FetchPage(ctx context.Context, group string, end time.Time, afterCreated time.Time, afterKey string, pageSize int) ([]cursor.Row, error) {
	stmt := `SELECT item_key, created, data FROM ` + c.table + `
		WHERE group = ? AND created <= ? AND created > ?
		ORDER BY created DESC, item_key ASC
		LIMIT ?`
	args := []interface{}{group, afterCreated, end, pageSize}

	var out []cursor.Row
	err := c.sess.ScanAll(ctx, stmt, args, func(row map[string]interface{}) error {
		r := cursor.Row{Group: group}
		if v, ok := row["item_key"].(string); ok {
			r.Key = v
		}
		if v, ok := row["created"].(time.Time); ok {
			r.Created = v
		}
		if data, ok := row["data"].(string); ok && data != "" {
			payload := map[string]interface{}{}
			if err := json.Unmarshal([]byte(data), &payload); err == nil {
				r.Data = payload
			}
		}
		if r.Key == afterKey && r.Created.Equal(afterCreated) {
			return nil
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

// ScyllaCursorStateStore implements cursor.StateStore against a
// cursor_state table, TTL'd the same way short-lived session/token rows
// expire.
type ScyllaCursorStateStore struct {
	sess *Session
}

// NewCursorStateStore builds a cursor.StateStore.
func NewCursorStateStore(sess *Session) *ScyllaCursorStateStore {
	return &ScyllaCursorStateStore{sess: sess}
}

// Save implements cursor.StateStore.
func (c *ScyllaCursorStateStore) Save(ctx context.Context, id string, state *cursor.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return marshalErr("cursor state", err)
	}
	stmt := `INSERT INTO cursor_state (id, data) VALUES (?, ?) USING TTL ?`
	return c.sess.Exec(ctx, stmt, id, string(data), int(ttl.Seconds()))
}

// Load implements cursor.StateStore.
func (c *ScyllaCursorStateStore) Load(ctx context.Context, id string) (*cursor.State, error) {
	stmt := `SELECT data FROM cursor_state WHERE id = ?`
	row := make(map[string]interface{})
	if err := c.sess.ScanOne(ctx, "cursor_state", stmt, []interface{}{id}, row); err != nil {
		return nil, err
	}
	data, _ := row["data"].(string)
	var state cursor.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, marshalErr("cursor state", err)
	}
	return &state, nil
}
