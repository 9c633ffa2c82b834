// Package partition computes which partitions a service instance owns.
// Partitions are not stored anywhere: every call recomputes ownership from
// the current set of live instances, the way PartitionKeyStrategy in the
// inbox package computes a SQL partitioning expression on the fly rather
// than persisting an assignment.
package partition

import (
	"sort"

	"github.com/google/uuid"
)

// Of returns the partition a stream_id belongs to: hash(streamID) mod
// partitionCount. The caller supplies the hash (typically Postgres'
// hashtext() run inside the same query that needs the partition number)
// so this package stays free of a hashing algorithm choice that must
// match the database's.
func Of(streamHash int32, partitionCount int) int {
	p := int(streamHash) % partitionCount
	if p < 0 {
		p += partitionCount
	}
	return p
}

// Owned returns the set of partitions instance owns out of partitionCount
// total, given the full sorted set of live instance ids. Ownership is
// stable modulo distribution: live instances are numbered 0..n-1 by sort
// order of instance_id, and instance i owns every partition p where p mod
// n == i. maxPerInstance caps how many partitions a single instance will
// claim, protecting a small cluster against a huge partition count; 0
// means no cap.
//
// Owned panics if instance is not present in liveInstances — callers must
// upsert the instance's heartbeat before asking what it owns.
func Owned(instance uuid.UUID, liveInstances []uuid.UUID, partitionCount int, maxPerInstance int) []int {
	sorted := make([]uuid.UUID, len(liveInstances))
	copy(sorted, liveInstances)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	index := -1
	for i, id := range sorted {
		if id == instance {
			index = i
			break
		}
	}
	if index < 0 {
		panic("partition: instance is not a member of liveInstances")
	}

	n := len(sorted)
	owned := make([]int, 0, partitionCount/n+1)
	for p := 0; p < partitionCount; p++ {
		if p%n == index {
			owned = append(owned, p)
			if maxPerInstance > 0 && len(owned) >= maxPerInstance {
				break
			}
		}
	}
	return owned
}

// Owns reports whether instance owns partition p, without materializing
// the full owned set — use this on the hot path of a claim query built in
// Go rather than SQL.
func Owns(instance uuid.UUID, liveInstances []uuid.UUID, partitionCount int, p int) bool {
	sorted := make([]uuid.UUID, len(liveInstances))
	copy(sorted, liveInstances)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	index := -1
	for i, id := range sorted {
		if id == instance {
			index = i
			break
		}
	}
	if index < 0 {
		return false
	}

	return p%len(sorted) == index
}
