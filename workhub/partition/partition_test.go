package partition

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestOwnedPartitionsCoverTheWholeSpaceExactlyOnce(t *testing.T) {
	instances := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	const partitionCount = 100

	seen := make(map[int]uuid.UUID)
	for _, instance := range instances {
		for _, p := range Owned(instance, instances, partitionCount, 0) {
			if existing, ok := seen[p]; ok {
				t.Fatalf("partition %d owned by both %s and %s", p, existing, instance)
			}
			seen[p] = instance
		}
	}
	assert.Len(t, seen, partitionCount)
}

func TestOwnedSinglePartitionSingleInstanceOwnsEverything(t *testing.T) {
	instance := uuid.New()
	owned := Owned(instance, []uuid.UUID{instance}, 1, 0)
	assert.Equal(t, []int{0}, owned)
}

func TestOwnedRespectsMaxPerInstanceCap(t *testing.T) {
	instance := uuid.New()
	owned := Owned(instance, []uuid.UUID{instance}, 10_000, 5)
	assert.Len(t, owned, 5)
}

func TestOwnsAgreesWithOwned(t *testing.T) {
	instances := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	const partitionCount = 50

	for _, instance := range instances {
		owned := Owned(instance, instances, partitionCount, 0)
		ownedSet := make(map[int]bool, len(owned))
		for _, p := range owned {
			ownedSet[p] = true
		}
		for p := 0; p < partitionCount; p++ {
			assert.Equal(t, ownedSet[p], Owns(instance, instances, partitionCount, p))
		}
	}
}

func TestOwnsFalseForUnknownInstance(t *testing.T) {
	instances := []uuid.UUID{uuid.New()}
	assert.False(t, Owns(uuid.New(), instances, 10, 0))
}

func TestOfWrapsNegativeHashesIntoRange(t *testing.T) {
	p := Of(-7, 10)
	assert.GreaterOrEqual(t, p, 0)
	assert.Less(t, p, 10)
}
