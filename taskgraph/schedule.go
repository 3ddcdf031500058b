// Package taskgraph computes race-free execution schedules over cell
// batches. Two batches conflict when their destination-vector DoF
// footprints intersect; the schedule arranges batches into sequential
// partitions of parallel chunks such that co-scheduled chunks never
// share a destination DoF.
//
// The conflict graph is built from the DoF footprints delivered by the
// numbering tables, never from mesh adjacency: hanging-node and
// periodicity constraints couple cells the mesh graph does not connect.
package taskgraph

import (
	"fmt"

	"github.com/Workiva/go-datastructures/bitarray"
)

// Strategy selects the parallelization scheme of the batch loop.
type Strategy int

const (
	// None runs all batches in one sequential chunk
	None Strategy = iota

	// PartitionPartition grows onion layers over the conflict graph
	// and subdivides each layer into conflict-free chunk groups; the
	// default scheme
	PartitionPartition

	// PartitionColor blocks the batch list in natural order and colors
	// the blocks for conflict-freedom
	PartitionColor

	// Color is PartitionColor with single-batch blocks
	Color
)

func (s Strategy) String() string {
	switch s {
	case None:
		return "none"
	case PartitionPartition:
		return "partition_partition"
	case PartitionColor:
		return "partition_color"
	case Color:
		return "color"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Chunk is a group of batches executed by one task.
type Chunk struct {
	Batches []int
}

// Partition is one sequential phase of the schedule. Its chunks may run
// concurrently: their destination footprints are pairwise disjoint.
type Partition struct {
	Chunks []Chunk
}

// Schedule is the full execution plan of one loop traversal.
type Schedule struct {
	Strategy   Strategy
	BlockSize  int
	Partitions []Partition
}

// NumBatches returns the total batch count covered by the schedule.
func (s *Schedule) NumBatches() int {
	n := 0
	for _, p := range s.Partitions {
		for _, c := range p.Chunks {
			n += len(c.Batches)
		}
	}
	return n
}

// Verify checks the disjointness invariant: within every partition, any
// two chunks have empty footprint intersection. Used by tests and by
// debug builds of the engine.
func Verify(s *Schedule, footprints [][]int) error {
	for pi, part := range s.Partitions {
		sets := make([]bitarray.BitArray, len(part.Chunks))
		for ci, ch := range part.Chunks {
			ba := bitarray.NewSparseBitArray()
			for _, b := range ch.Batches {
				for _, d := range footprints[b] {
					ba.SetBit(uint64(d))
				}
			}
			sets[ci] = ba
		}
		for i := 0; i < len(sets); i++ {
			for j := i + 1; j < len(sets); j++ {
				if sets[i].Intersects(sets[j]) {
					return fmt.Errorf("partition %d: chunks %d and %d share a destination DoF", pi, i, j)
				}
			}
		}
	}
	return nil
}
