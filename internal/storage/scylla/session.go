// Package scylla wraps a gocql session with the generic query helpers that
// C2-C6 build on: parameterized CQL execution, row scanning into
// map[string]interface{} via gocql's MapScan, and the same create/get/list/delete shape the
// teacher's infrastructure/database package used over PostgREST, rewired
// from query strings to CQL statements and bind args.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/thorium-research/thorium/infrastructure/errors"
)

// Session wraps a *gocql.Session with context-aware helpers and default
// timeouts; every C2-C6 repository is built on top of one Session.
type Session struct {
	cql     *gocql.Session
	keyspace string
	timeout time.Duration
}

// Config names the cluster contact points and keyspace, mirroring
// pkg/config.ScyllaConfig.
type Config struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// Connect opens a session against the given cluster; callers should Close
// it on shutdown.
func Connect(cfg Config) (*Session, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.InvalidInput("hosts", "at least one Scylla contact point is required")
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cqlSession, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Unavailable("scylla", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Session{cql: cqlSession, keyspace: cfg.Keyspace, timeout: timeout}, nil
}

// NewFromCQL wraps an already-constructed gocql session; used by tests that
// run against an embedded/mocked cluster.
func NewFromCQL(cql *gocql.Session, keyspace string) *Session {
	return &Session{cql: cql, keyspace: keyspace, timeout: 10 * time.Second}
}

// Close releases the underlying cluster connection.
func (s *Session) Close() {
	if s.cql != nil {
		s.cql.Close()
	}
}

// Keyspace returns the keyspace this session is bound to.
func (s *Session) Keyspace() string {
	return s.keyspace
}

// Exec runs a statement that returns no rows (INSERT/UPDATE/DELETE),
// wrapping store errors into the Thorium error taxonomy.
func (s *Session) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	q := s.cql.Query(stmt, args...).WithContext(ctx)
	if err := q.Exec(); err != nil {
		return errors.StoreError(stmt, err)
	}
	return nil
}

// Query returns a *gocql.Query bound to this session's context-aware
// defaults, for callers that need iterator-level control (paging state,
// page size) beyond what the generic helpers below expose.
func (s *Session) Query(ctx context.Context, stmt string, args ...interface{}) *gocql.Query {
	return s.cql.Query(stmt, args...).WithContext(ctx)
}

// ScanOne runs a SELECT expected to return exactly one row and maps its
// columns into dest via MapScan; returns errors.NotFound if no row matched.
func (s *Session) ScanOne(ctx context.Context, resource string, stmt string, args []interface{}, dest map[string]interface{}) error {
	if err := s.cql.Query(stmt, args...).WithContext(ctx).MapScan(dest); err != nil {
		if err == gocql.ErrNotFound {
			return errors.NotFound(resource, fmt.Sprint(args))
		}
		return errors.StoreError(stmt, err)
	}
	return nil
}

// ScanAll runs a SELECT and maps every row via the provided scan function,
// stopping at the iterator's natural end. It does not page internally —
// callers needing a bounded page put a LIMIT in the statement (the cursor
// store does this).
func (s *Session) ScanAll(ctx context.Context, stmt string, args []interface{}, scan func(row map[string]interface{}) error) error {
	iter := s.cql.Query(stmt, args...).WithContext(ctx).Iter()
	defer iter.Close()

	for {
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}
		if err := scan(row); err != nil {
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return errors.StoreError(stmt, err)
	}
	return nil
}

// Page runs a single bounded page of a SELECT, returning the rows and the
// opaque page state to resume from, matching the cursor engine's one
// internal query per page_size contract (spec §4.2).
func (s *Session) Page(ctx context.Context, stmt string, args []interface{}, pageSize int, pageState []byte) (rows []map[string]interface{}, nextPageState []byte, err error) {
	q := s.cql.Query(stmt, args...).WithContext(ctx).PageSize(pageSize)
	if len(pageState) > 0 {
		q = q.PageState(pageState)
	}
	iter := q.Iter()

	for {
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	nextPageState = iter.PageState()
	if closeErr := iter.Close(); closeErr != nil {
		return nil, nil, errors.StoreError(stmt, closeErr)
	}
	return rows, nextPageState, nil
}

// IncrCensus implements partition.CensusStore: an atomic counter UPDATE
// against the census_counters table (spec §6.4's census counters table).
func (s *Session) IncrCensus(ctx context.Context, key string, bucket int32, delta int64) error {
	stmt := `UPDATE census_counters SET count = count + ? WHERE stream_key = ? AND bucket = ?`
	return s.Exec(ctx, stmt, delta, key, bucket)
}

// GetCensus implements partition.CensusStore: reads the counter for one
// bucket, treating a missing row as zero population.
func (s *Session) GetCensus(ctx context.Context, key string, bucket int32) (int64, error) {
	stmt := `SELECT count FROM census_counters WHERE stream_key = ? AND bucket = ?`
	dest := make(map[string]interface{})
	if err := s.ScanOne(ctx, "census_counters", stmt, []interface{}{key, bucket}, dest); err != nil {
		if svcErr, ok := err.(*errors.ServiceError); ok && svcErr.Code == errors.ErrCodeNotFound {
			return 0, nil
		}
		return 0, err
	}
	count, _ := dest["count"].(int64)
	return count, nil
}
