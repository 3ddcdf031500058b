package taskgraph

import (
	"fmt"
	"runtime"

	"github.com/Workiva/go-datastructures/bitarray"
	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("matfree")

// Builder computes a Schedule from per-batch DoF footprints.
type Builder struct {
	Strategy Strategy

	// BlockSize is the number of batches per chunk; zero picks one
	// automatically from the batch count and the parallelism hint
	BlockSize int

	// Concurrency hints at the available worker parallelism; zero uses
	// GOMAXPROCS
	Concurrency int
}

// Build computes the schedule. footprints[b] lists the sorted local
// vector positions written by batch b, ghost slots included. A requested block
// size above a third of the batch count falls back to one sequential
// partition instead of failing.
func (bld *Builder) Build(footprints [][]int) (*Schedule, error) {
	n := len(footprints)
	if n == 0 {
		return &Schedule{Strategy: bld.Strategy}, nil
	}

	conc := bld.Concurrency
	if conc <= 0 {
		conc = runtime.GOMAXPROCS(0)
	}

	if bld.Strategy == None {
		return sequential(None, n), nil
	}
	if bld.BlockSize > 0 && 3*bld.BlockSize > n {
		log.Debugf("task block size %d exceeds a third of %d batches, running sequentially",
			bld.BlockSize, n)
		return sequential(bld.Strategy, n), nil
	}

	bs := bld.BlockSize
	if bs == 0 {
		bs = autoBlockSize(n, conc)
	}
	if bld.Strategy == Color {
		bs = 1
	}

	sets := footprintSets(footprints)
	var sched *Schedule
	switch bld.Strategy {
	case PartitionPartition:
		sched = buildPartitionPartition(footprints, sets, bs)
	case PartitionColor, Color:
		sched = buildPartitionColor(sets, n, bs)
	default:
		return nil, fmt.Errorf("unknown parallelism strategy %v", bld.Strategy)
	}
	sched.Strategy = bld.Strategy
	sched.BlockSize = bs
	log.Debugf("schedule: %v, %d batches, block size %d, %d partitions",
		bld.Strategy, n, bs, len(sched.Partitions))
	return sched, nil
}

// autoBlockSize balances parallelism opportunity against per-task
// dispatch overhead. The divisor is an empirically tuned default, not a
// contract; correctness never depends on it.
func autoBlockSize(n, conc int) int {
	bs := n / (3 * conc)
	if bs < 1 {
		bs = 1
	}
	if max := n / conc; max > 0 && bs > max {
		bs = max
	}
	return bs
}

func sequential(strategy Strategy, n int) *Schedule {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return &Schedule{
		Strategy:   strategy,
		BlockSize:  n,
		Partitions: []Partition{{Chunks: []Chunk{{Batches: all}}}},
	}
}

func footprintSets(footprints [][]int) []bitarray.BitArray {
	sets := make([]bitarray.BitArray, len(footprints))
	for b, fp := range footprints {
		ba := bitarray.NewSparseBitArray()
		for _, d := range fp {
			ba.SetBit(uint64(d))
		}
		sets[b] = ba
	}
	return sets
}

func intersects(a, b bitarray.BitArray) bool {
	return a.Intersects(b)
}

// adjacency builds the batch conflict graph from shared DoFs.
func adjacency(footprints [][]int) [][]int {
	byDof := make(map[int][]int)
	for b, fp := range footprints {
		for _, d := range fp {
			byDof[d] = append(byDof[d], b)
		}
	}
	nbSets := make([]map[int]struct{}, len(footprints))
	for i := range nbSets {
		nbSets[i] = make(map[int]struct{})
	}
	for _, bs := range byDof {
		for _, a := range bs {
			for _, b := range bs {
				if a != b {
					nbSets[a][b] = struct{}{}
				}
			}
		}
	}
	out := make([][]int, len(footprints))
	for i, s := range nbSets {
		out[i] = make([]int, 0, len(s))
		for b := range s {
			out[i] = append(out[i], b)
		}
	}
	return out
}

// buildPartitionPartition grows onion layers outward from a seed by
// breadth-first traversal of the conflict graph. Neighbors sit in
// adjacent layers, so a layer never touches the layer two steps away.
// Each layer is blocked into chunks which are then grouped into
// conflict-free sub-phases.
func buildPartitionPartition(footprints [][]int, sets []bitarray.BitArray, bs int) *Schedule {
	n := len(footprints)
	adj := adjacency(footprints)

	layerOf := make([]int, n)
	for i := range layerOf {
		layerOf[i] = -1
	}
	maxLayer := 0
	for seed := 0; seed < n; seed++ {
		if layerOf[seed] >= 0 {
			continue
		}
		// disconnected components restart at layer zero; their layers
		// interleave, which is safe since components never conflict
		layerOf[seed] = 0
		queue := []int{seed}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range adj[cur] {
				if layerOf[nb] < 0 {
					layerOf[nb] = layerOf[cur] + 1
					if layerOf[nb] > maxLayer {
						maxLayer = layerOf[nb]
					}
					queue = append(queue, nb)
				}
			}
		}
	}

	layers := make([][]int, maxLayer+1)
	for b := 0; b < n; b++ {
		layers[layerOf[b]] = append(layers[layerOf[b]], b)
	}

	var parts []Partition
	for _, layer := range layers {
		parts = append(parts, groupConflictFree(blockUp(layer, bs), sets)...)
	}
	return &Schedule{Partitions: parts}
}

// buildPartitionColor blocks the batch list in natural order and colors
// the blocks; each color class becomes one partition of parallel chunks.
func buildPartitionColor(sets []bitarray.BitArray, n, bs int) *Schedule {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return &Schedule{Partitions: groupConflictFree(blockUp(all, bs), sets)}
}

func blockUp(batchIDs []int, bs int) []Chunk {
	var chunks []Chunk
	for start := 0; start < len(batchIDs); start += bs {
		end := start + bs
		if end > len(batchIDs) {
			end = len(batchIDs)
		}
		chunks = append(chunks, Chunk{Batches: append([]int(nil), batchIDs[start:end]...)})
	}
	return chunks
}

// groupConflictFree greedily colors the chunks so that chunks of one
// color are pairwise disjoint, then emits one partition per color.
func groupConflictFree(chunks []Chunk, sets []bitarray.BitArray) []Partition {
	if len(chunks) == 0 {
		return nil
	}
	unions := make([]bitarray.BitArray, len(chunks))
	for i, ch := range chunks {
		u := bitarray.NewSparseBitArray()
		for _, b := range ch.Batches {
			u = u.Or(sets[b])
		}
		unions[i] = u
	}

	colors := make([]int, len(chunks))
	numColors := 0
	for i := range chunks {
		used := make(map[int]bool)
		for j := 0; j < i; j++ {
			if intersects(unions[i], unions[j]) {
				used[colors[j]] = true
			}
		}
		c := 0
		for used[c] {
			c++
		}
		colors[i] = c
		if c+1 > numColors {
			numColors = c + 1
		}
	}

	parts := make([]Partition, numColors)
	for i, ch := range chunks {
		parts[colors[i]].Chunks = append(parts[colors[i]].Chunks, ch)
	}
	return parts
}
