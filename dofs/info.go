package dofs

import (
	"fmt"
	"sort"

	"github.com/notargets/matfree/batches"
)

// Info owns the per-batch local-to-global DoF index tables, the
// constrained-DoF metadata and the vector partitioner. It is built once
// from the numbering and constraint collaborators and is read-only
// afterward; a changed numbering requires a full rebuild.
type Info struct {
	// NumDofs is the global index space size
	NumDofs int

	// Part describes the owned range and ghost set of this rank
	Part *Partitioner

	// Pool holds the deduplicated constraint weight rows
	Pool *Pool

	cellDofs    [][]int     // per physical cell, global indices
	constrained map[int]int // constrained dof -> pool row

	// batch tables, built by BindBatches
	rowStarts  []int // per batch, offset into batchDofs
	strides    []int // per batch, dofs per cell of the batch category
	batchDofs  []int // flat, lane-major within a batch
	plainDofs  []int // unresolved copy, kept when storePlain is set
	footprints [][]int
	needsGhost []bool
}

// NewInfo validates the numbering and constraint input and builds the
// constraint pool. cellDofs lists global DoF indices per physical cell;
// lengths may differ only across batch categories.
func NewInfo(cellDofs [][]int, numDofs int, part *Partitioner, constraints []Constraint) (*Info, error) {
	if numDofs <= 0 {
		return nil, fmt.Errorf("invalid global DoF count %d", numDofs)
	}
	if part == nil {
		return nil, fmt.Errorf("nil vector partitioner")
	}
	for c, ds := range cellDofs {
		if len(ds) == 0 {
			return nil, fmt.Errorf("cell %d has no DoFs", c)
		}
		for _, d := range ds {
			if d < 0 || d >= numDofs {
				return nil, fmt.Errorf("cell %d references DoF %d outside [0,%d)", c, d, numDofs)
			}
		}
	}

	pool := NewPool()
	constrained := make(map[int]int, len(constraints))
	for _, cn := range constraints {
		if cn.Dof < 0 || cn.Dof >= numDofs {
			return nil, fmt.Errorf("constraint on DoF %d outside [0,%d)", cn.Dof, numDofs)
		}
		if _, dup := constrained[cn.Dof]; dup {
			return nil, fmt.Errorf("DoF %d constrained twice", cn.Dof)
		}
		for _, t := range cn.Terms {
			if t.Dof < 0 || t.Dof >= numDofs {
				return nil, fmt.Errorf("constraint on DoF %d references DoF %d outside [0,%d)",
					cn.Dof, t.Dof, numDofs)
			}
		}
		constrained[cn.Dof] = pool.Insert(cn.Terms)
	}

	return &Info{
		NumDofs:     numDofs,
		Part:        part,
		Pool:        pool,
		cellDofs:    cellDofs,
		constrained: constrained,
	}, nil
}

// BindBatches builds the flat per-batch index tables and DoF footprints
// for the given cell batches. All occupied lanes of one batch must share
// the same local layout size; a violation is a setup error. With
// storePlain set, an unresolved copy of the index table is kept for
// callers that read through constraints themselves.
func (info *Info) BindBatches(cellBatches []batches.CellBatch, storePlain bool) error {
	info.rowStarts = make([]int, len(cellBatches)+1)
	info.strides = make([]int, len(cellBatches))
	info.footprints = make([][]int, len(cellBatches))
	info.needsGhost = make([]bool, len(cellBatches))
	info.batchDofs = info.batchDofs[:0]

	for b, cb := range cellBatches {
		stride := len(info.cellDofs[cb.Cells[0]])
		for l := 0; l < cb.NActive; l++ {
			if got := len(info.cellDofs[cb.Cells[l]]); got != stride {
				return fmt.Errorf("batch %d: cell %d has %d DoFs, lane 0 has %d; "+
					"incompatible layouts within one category", b, cb.Cells[l], got, stride)
			}
		}
		info.strides[b] = stride
		info.rowStarts[b] = len(info.batchDofs)
		for _, c := range cb.Cells {
			info.batchDofs = append(info.batchDofs, info.cellDofs[c]...)
		}
		info.footprints[b], info.needsGhost[b] = info.buildFootprint(cb, stride)
	}
	info.rowStarts[len(cellBatches)] = len(info.batchDofs)

	if storePlain {
		info.plainDofs = append([]int(nil), info.batchDofs...)
	}
	return nil
}

// buildFootprint collects the sorted local vector positions a batch
// writes to, ghost-region slots included: two batches whose only shared
// destination entry is a ghost slot still race when co-scheduled, so
// the scheduler must see those positions too. Constrained DoFs
// contribute the positions of their pool row targets: constraints
// couple batches the mesh graph does not connect.
func (info *Info) buildFootprint(cb batches.CellBatch, stride int) ([]int, bool) {
	seen := make(map[int]struct{}, cb.NActive*stride)
	ghost := false
	add := func(d int) {
		pos, ok := info.Part.GlobalToLocal(d)
		if !ok {
			ghost = true
			return
		}
		if pos >= info.Part.LocalSize() {
			ghost = true
		}
		seen[pos] = struct{}{}
	}
	for l := 0; l < cb.NActive; l++ {
		for _, d := range info.cellDofs[cb.Cells[l]] {
			if row, ok := info.constrained[d]; ok {
				for _, t := range info.Pool.Row(row) {
					add(t.Dof)
				}
			} else {
				add(d)
			}
		}
	}
	fp := make([]int, 0, len(seen))
	for d := range seen {
		fp = append(fp, d)
	}
	sort.Ints(fp)
	return fp, ghost
}

// DofsPerCell returns the local layout size of the given batch.
func (info *Info) DofsPerCell(batch int) int { return info.strides[batch] }

// NumCells returns the number of physical cells known to the numbering.
func (info *Info) NumCells() int { return len(info.cellDofs) }

// LocalToGlobal returns the global DoF indices of one lane of a batch.
// The returned slice aliases internal storage and must not be modified.
func (info *Info) LocalToGlobal(batch, lane int) []int {
	start := info.rowStarts[batch] + lane*info.strides[batch]
	return info.batchDofs[start : start+info.strides[batch]]
}

// PlainLocalToGlobal returns the unresolved index row, available only
// when BindBatches ran with storePlain.
func (info *Info) PlainLocalToGlobal(batch, lane int) []int {
	if info.plainDofs == nil {
		panic("plain index storage was not requested at setup")
	}
	start := info.rowStarts[batch] + lane*info.strides[batch]
	return info.plainDofs[start : start+info.strides[batch]]
}

// IsConstrained reports whether the global DoF is constrained, and if
// so returns its pool row index.
func (info *Info) IsConstrained(dof int) (int, bool) {
	row, ok := info.constrained[dof]
	return row, ok
}

// Footprint returns the sorted local vector positions written by the
// batch (owned entries first, ghost region after), constraint coupling
// included.
func (info *Info) Footprint(batch int) []int { return info.footprints[batch] }

// Footprints returns the footprint table for all bound batches.
func (info *Info) Footprints() [][]int { return info.footprints }

// NeedsGhost reports whether the batch reads any DoF owned by another
// rank.
func (info *Info) NeedsGhost(batch int) bool { return info.needsGhost[batch] }
