// Package partition implements the bucket math and census stream keys that
// back every time-ordered entity kind (files, repos, entities, tags,
// associations): mapping (group, kind, created-time) to a bucket id, and
// naming the per-bucket population counters that writers and the census
// Repairer maintain.
package partition

import (
	"fmt"
	"time"
)

// Kind enumerates the time-ordered entity kinds that are partitioned and
// census-tracked the same way.
type Kind string

const (
	KindFile        Kind = "file"
	KindRepo        Kind = "repo"
	KindEntity      Kind = "entity"
	KindTag         Kind = "tag"
	KindAssociation Kind = "association"
	KindReaction    Kind = "reaction"
	KindJob         Kind = "job"
)

// Bucket maps a timestamp to its partition bucket within its year, per
// spec §3.2: bucket = floor(day_of_year / partition_size_days).
//
// partitionSize is expressed in seconds (matching config.PartitionConfig);
// callers that configure it in days must multiply by 86400 first.
func Bucket(created time.Time, partitionSize int64) int32 {
	if partitionSize <= 0 {
		partitionSize = 1
	}
	dayOfYear := int64(created.YearDay() - 1)
	partitionDays := partitionSize / 86400
	if partitionDays <= 0 {
		partitionDays = 1
	}
	return int32(dayOfYear / partitionDays)
}

// Year returns the partitioning year component of a timestamp, UTC.
func Year(created time.Time) int {
	return created.UTC().Year()
}

// CensusStreamKey names the census counter stream for a given
// namespace/kind/group/year; the bucket is not part of the string and is
// passed to CensusStore alongside it. extra is an optional discriminator
// (e.g. a result tool name) folded into the key when present.
func CensusStreamKey(namespace string, kind Kind, group string, year int, extra string) string {
	if extra == "" {
		return fmt.Sprintf("census:%s:%s:%s:%d", namespace, kind, group, year)
	}
	return fmt.Sprintf("census:%s:%s:%s:%d:%s", namespace, kind, group, year, extra)
}

// Key identifies the partition a row belongs to: (kind, group, year,
// bucket). It is the primary-table partition key from spec §6.4.
type Key struct {
	Kind  Kind
	Group string
	Year  int
	Bucket int32
}

// KeyFor computes the full partition Key for an entity created at the
// given time, under the given per-kind partition size (seconds).
func KeyFor(kind Kind, group string, created time.Time, partitionSize int64) Key {
	created = created.UTC()
	return Key{
		Kind:   kind,
		Group:  group,
		Year:   Year(created),
		Bucket: Bucket(created, partitionSize),
	}
}

// CensusKey returns the census stream key for this Key's kind, group and
// year under the given namespace; k.Bucket is not included in it.
func (k Key) CensusKey(namespace string) string {
	return CensusStreamKey(namespace, k.Kind, k.Group, k.Year, "")
}

// BucketRange enumerates every bucket index in [start, end] (inclusive),
// walking backwards when start > end.
func BucketRange(start, end int32) []int32 {
	if start == end {
		return []int32{start}
	}
	out := make([]int32, 0, abs32(start-end)+1)
	if start > end {
		for b := start; b >= end; b-- {
			out = append(out, b)
		}
	} else {
		for b := start; b <= end; b++ {
			out = append(out, b)
		}
	}
	return out
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// MaxBucket returns the highest valid bucket index for a partition size
// (seconds), i.e. the bucket a day-366 timestamp (leap year) would fall in.
func MaxBucket(partitionSize int64) int32 {
	return Bucket(time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC), partitionSize)
}
