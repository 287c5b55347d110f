// Package cursor implements the generic Scylla-backed, time-ordered
// pagination engine (spec §4.2): fan-out across groups, merge by
// created-desc/key-asc, cross-group dedupe, and tie handling at shared
// `created` timestamps, resumable by a persisted uuid.
package cursor

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/thorium-research/thorium/infrastructure/errors"
	"github.com/thorium-research/thorium/infrastructure/metrics"
)

// Row is one item a Store page fetch returns: a unique tie-breaker key,
// its created timestamp, the single group it was fetched under, and its
// materialized payload.
type Row struct {
	Key     string
	Created time.Time
	Group   string
	Data    map[string]interface{}
}

// ResultRow is one item emitted by the cursor: a Row collapsed across
// every group it was visible in during this page.
type ResultRow struct {
	Key     string
	Created time.Time
	Groups  []string
	Data    map[string]interface{}
}

// Store fetches one group's slice of rows, walking backwards in time from
// (afterCreated, afterKey) exclusive down to (not including) end, ordered
// created DESC with ties broken key ASC. It must never return more than
// pageSize rows, and must never return a row at or before `end`.
type Store interface {
	FetchPage(ctx context.Context, group string, end time.Time, afterCreated time.Time, afterKey string, pageSize int) ([]Row, error)
}

// groupCursor is the per-group resume point: the last row actually
// consumed (emitted or deduped) from that group's stream.
type groupCursor struct {
	LastCreated time.Time `json:"last_created"`
	LastKey     string    `json:"last_key"`
	Started     bool      `json:"started"`
	Done        bool      `json:"done"`
}

// State is the persisted, resumable state of one in-flight cursor.
type State struct {
	ID        string                 `json:"id"`
	GroupBy   []string               `json:"group_by"`
	Start     time.Time              `json:"start"`
	End       time.Time              `json:"end"`
	Limit     int                    `json:"limit"`
	PageSize  int                    `json:"page_size"`
	Returned  int                    `json:"returned"`
	Exhausted bool                   `json:"exhausted"`
	Seen      map[string]struct{}    `json:"seen"`
	Groups    map[string]groupCursor `json:"groups"`
}

// StateStore persists cursor State keyed by uuid so a client can resume a
// listing across HTTP requests.
type StateStore interface {
	Save(ctx context.Context, id string, state *State, ttl time.Duration) error
	Load(ctx context.Context, id string) (*State, error)
}

// Spec is the input to a new cursor (spec §4.2's Inputs).
type Spec struct {
	GroupBy  []string
	Start    time.Time
	End      time.Time
	Limit    int
	PageSize int
}

const defaultPageSize = 50
const defaultTTL = 30 * time.Minute

// Engine drives pagination over a Store, persisting resumable state in a
// StateStore.
type Engine struct {
	store   Store
	states  StateStore
	metrics *metrics.Metrics
	ttl     time.Duration
}

// New builds an Engine. m may be nil (metrics become a no-op).
func New(store Store, states StateStore, m *metrics.Metrics) *Engine {
	return &Engine{store: store, states: states, metrics: m, ttl: defaultTTL}
}

// Start creates a new cursor from a Spec and returns its uuid alongside
// the first page. Groups must be non-empty (spec §4.2 Inputs).
func (e *Engine) Start(ctx context.Context, spec Spec) (string, []ResultRow, bool, error) {
	if len(spec.GroupBy) == 0 {
		return "", nil, false, errors.InvalidInput("group_by", "must be non-empty")
	}
	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	id := uuid.NewString()
	groups := make(map[string]groupCursor, len(spec.GroupBy))
	for _, g := range spec.GroupBy {
		groups[g] = groupCursor{}
	}
	state := &State{
		ID:       id,
		GroupBy:  append([]string(nil), spec.GroupBy...),
		Start:    spec.Start,
		End:      spec.End,
		Limit:    spec.Limit,
		PageSize: pageSize,
		Seen:     make(map[string]struct{}),
		Groups:   groups,
	}

	rows, err := e.page(ctx, state)
	if err != nil {
		return "", nil, false, err
	}
	if err := e.states.Save(ctx, id, state, e.ttl); err != nil {
		return "", nil, false, err
	}
	return id, rows, state.Exhausted, nil
}

// Resume loads a persisted cursor by id and fetches its next page.
// A malformed or expired id is fatal per spec §4.2's failure semantics,
// surfaced as errors.NotFound.
func (e *Engine) Resume(ctx context.Context, id string) ([]ResultRow, bool, error) {
	state, err := e.states.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if state == nil {
		return nil, false, errors.NotFound("cursor", id)
	}
	if state.Exhausted {
		return nil, true, nil
	}

	rows, err := e.page(ctx, state)
	if err != nil {
		return nil, false, err
	}
	if err := e.states.Save(ctx, id, state, e.ttl); err != nil {
		return nil, false, err
	}
	return rows, state.Exhausted, nil
}

// page fetches and merges exactly one page's worth of rows, advancing
// state in place. This is the core of spec §4.2: fan-out + merge, tie
// handling via independent per-group resume points, and dedupe.
func (e *Engine) page(ctx context.Context, state *State) ([]ResultRow, error) {
	start := time.Now()

	target := state.PageSize
	if state.Limit > 0 {
		if remaining := state.Limit - state.Returned; remaining < target {
			target = remaining
		}
	}
	if target <= 0 {
		state.Exhausted = true
		return nil, nil
	}

	type tagged struct {
		Row
	}
	perGroup := make(map[string][]Row, len(state.GroupBy))
	short := make(map[string]bool, len(state.GroupBy))
	anyActive := false

	for _, group := range state.GroupBy {
		gc := state.Groups[group]
		if gc.Done {
			continue
		}
		anyActive = true
		after := gc.LastCreated
		if !gc.Started {
			after = state.Start
		}
		rows, err := e.store.FetchPage(ctx, group, state.End, after, gc.LastKey, state.PageSize)
		if err != nil {
			return nil, errors.Unavailable("cursor-store:"+group, err)
		}
		perGroup[group] = rows
		short[group] = len(rows) < state.PageSize
		gc.Started = true
		state.Groups[group] = gc
	}

	if !anyActive {
		state.Exhausted = true
		return nil, nil
	}

	// Flatten with group tags, sorted created DESC, key ASC (ties).
	var flat []tagged
	for _, rows := range perGroup {
		for _, r := range rows {
			flat = append(flat, tagged{r})
		}
	}
	sort.Slice(flat, func(i, j int) bool {
		if !flat[i].Created.Equal(flat[j].Created) {
			return flat[i].Created.After(flat[j].Created)
		}
		return flat[i].Key < flat[j].Key
	})

	consumedThrough := make(map[string]Row) // group -> last row consumed
	emittedByKey := make(map[string]*ResultRow)
	var ordered []*ResultRow

	for _, t := range flat {
		row := t.Row
		if _, already := state.Seen[row.Key]; already {
			consumedThrough[row.Group] = row
			continue
		}
		if existing, dup := emittedByKey[row.Key]; dup {
			existing.Groups = appendUnique(existing.Groups, row.Group)
			consumedThrough[row.Group] = row
			continue
		}
		if len(ordered) >= target {
			break
		}
		rr := &ResultRow{Key: row.Key, Created: row.Created, Groups: []string{row.Group}, Data: row.Data}
		emittedByKey[row.Key] = rr
		ordered = append(ordered, rr)
		state.Seen[row.Key] = struct{}{}
		consumedThrough[row.Group] = row
	}

	for group, row := range consumedThrough {
		gc := state.Groups[group]
		gc.LastCreated = row.Created
		gc.LastKey = row.Key
		gc.Started = true
		state.Groups[group] = gc
	}

	// A short fetch ends a group only once every row it returned was consumed.
	for group, rows := range perGroup {
		if !short[group] {
			continue
		}
		if last, ok := consumedThrough[group]; len(rows) == 0 || (ok && last.Key == rows[len(rows)-1].Key) {
			gc := state.Groups[group]
			gc.Done = true
			state.Groups[group] = gc
		}
	}

	state.Returned += len(ordered)

	allDone := true
	for _, g := range state.GroupBy {
		if !state.Groups[g].Done {
			allDone = false
			break
		}
	}
	if allDone || (state.Limit > 0 && state.Returned >= state.Limit) {
		state.Exhausted = true
	}

	if e.metrics != nil {
		e.metrics.RecordCursorPage("content", state.GroupBy[0], len(ordered), time.Since(start))
	}

	out := make([]ResultRow, len(ordered))
	for i, rr := range ordered {
		out[i] = *rr
	}
	return out, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
