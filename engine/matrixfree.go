// Package engine evaluates discretized differential operators without
// assembling a global matrix: cells and faces are packed into SIMD-width
// batches, a task graph schedules the batches into race-free parallel
// chunks, and the ghost exchange of distributed vectors overlaps the
// local computation.
package engine

import (
	"fmt"

	logging "github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/matfree/batches"
	"github.com/notargets/matfree/dofs"
	"github.com/notargets/matfree/exchange"
	"github.com/notargets/matfree/taskgraph"
	"github.com/notargets/matfree/vectors"
)

var log = logging.MustGetLogger("matfree")

// Mesh is the cell/face view delivered by the triangulation
// collaborator. Cells are identified by their position in the active
// ordering 0..NumCells-1.
type Mesh struct {
	NumCells int
	Faces    []batches.Face
}

// Numbering is the DoF layout delivered by the numbering collaborator.
type Numbering struct {
	// CellDofs lists the global DoF indices of every cell
	CellDofs [][]int

	// NumDofs is the global index space size
	NumDofs int

	// Part partitions the index space across ranks
	Part *dofs.Partitioner
}

// GeometryKey addresses one entry of the opaque geometry cache.
type GeometryKey struct {
	Batch     int
	QuadIndex int
	Category  int
}

// GeometryCache supplies per-batch Jacobian and shape-function tables.
// The engine treats the tables as black boxes and only hands them to
// the per-batch operator.
type GeometryCache interface {
	Jacobians(key GeometryKey) *mat.Dense
	ShapeValues(category int) *mat.Dense
}

// batchSpan is a contiguous batch range [First, Last) after the batches
// have been renumbered into schedule order.
type batchSpan struct {
	First, Last int
}

type compiledPartition struct {
	chunks     []batchSpan
	zeroRanges [][2]int // dst positions zeroed just before this partition runs
}

// zeroChunkSize is the granularity at which destination entries are
// assigned to the partition that first writes them, keeping freshly
// zeroed memory in cache for the accumulation that follows.
const zeroChunkSize = 8192

// MatrixFree is the operator evaluation engine. It is built once per
// mesh/numbering configuration and is immutable afterward; a changed
// numbering requires a new engine.
type MatrixFree struct {
	cfg  Config
	Dofs *dofs.Info

	cellBatches []batches.CellBatch
	faceBatches []batches.FaceBatch

	sched      *taskgraph.Schedule
	partitions []compiledPartition

	// cellLoc maps each physical cell to its batch and lane, valid
	// after the schedule renumbering
	cellLoc [][2]int

	// nInteriorFaceBatches counts the leading interior entries of
	// faceBatches; boundary batches follow
	nInteriorFaceBatches int

	// firstRemotePartition is the earliest partition reading off-rank
	// data; ghost import must finish before it runs
	firstRemotePartition int

	geom      GeometryCache
	transport exchange.Transport
	scratch   *exchange.ScratchPool

	// state of the currently running traversal; only one Loop may run
	// per engine at a time
	state loopState
}

// New builds the engine: index tables, batch layout, execution schedule
// and ghost-exchange wiring. transport may be nil for serial runs.
func New(mesh Mesh, numbering Numbering, constraints []dofs.Constraint,
	geom GeometryCache, transport exchange.Transport, cfg Config) (*MatrixFree, error) {

	if mesh.NumCells != len(numbering.CellDofs) {
		return nil, fmt.Errorf("mesh has %d cells, numbering covers %d",
			mesh.NumCells, len(numbering.CellDofs))
	}
	if err := cfg.normalize(mesh.NumCells); err != nil {
		return nil, err
	}

	info, err := dofs.NewInfo(numbering.CellDofs, numbering.NumDofs, numbering.Part, constraints)
	if err != nil {
		return nil, fmt.Errorf("DoF setup: %w", err)
	}

	builder, err := batches.NewBuilder(cfg.Width, cfg.CellVectorizationCategoriesStrict)
	if err != nil {
		return nil, err
	}
	builder.CategorySizes = cfg.CategorySizes

	cellBatches, err := builder.BuildCells(mesh.NumCells, cfg.CellCategories)
	if err != nil {
		return nil, fmt.Errorf("cell batching: %w", err)
	}
	faceBatches, err := builder.BuildFaces(mesh.Faces)
	if err != nil {
		return nil, fmt.Errorf("face batching: %w", err)
	}

	if err = info.BindBatches(cellBatches, cfg.StorePlainIndices); err != nil {
		return nil, fmt.Errorf("index tables: %w", err)
	}

	graph := &taskgraph.Builder{
		Strategy:    cfg.Strategy,
		BlockSize:   cfg.TaskBlockSize,
		Concurrency: cfg.Concurrency,
	}
	sched, err := graph.Build(info.Footprints())
	if err != nil {
		return nil, fmt.Errorf("task graph: %w", err)
	}

	mf := &MatrixFree{
		cfg:         cfg,
		Dofs:        info,
		faceBatches: faceBatches,
		sched:       sched,
		geom:        geom,
		transport:   transport,
		scratch:     exchange.NewScratchPool(),
	}
	if err = mf.renumberToScheduleOrder(cellBatches); err != nil {
		return nil, err
	}
	mf.compileZeroRanges()
	mf.findFirstRemotePartition()

	for i, fb := range faceBatches {
		if fb.BoundaryID == -1 {
			mf.nInteriorFaceBatches = i + 1
		}
	}

	log.Debugf("matrix-free setup: %d cells in %d batches (width %d), %d face batches, "+
		"%d schedule partitions", mesh.NumCells, len(mf.cellBatches), cfg.Width,
		len(faceBatches), len(mf.partitions))
	return mf, nil
}

// renumberToScheduleOrder permutes the cell batches so every scheduled
// chunk covers a contiguous batch range, then rebuilds the index tables
// in the new order. Operators see plain [first, last) ranges this way.
func (mf *MatrixFree) renumberToScheduleOrder(cellBatches []batches.CellBatch) error {
	perm := make([]int, 0, len(cellBatches))
	mf.partitions = make([]compiledPartition, len(mf.sched.Partitions))
	for pi, part := range mf.sched.Partitions {
		for _, ch := range part.Chunks {
			first := len(perm)
			perm = append(perm, ch.Batches...)
			mf.partitions[pi].chunks = append(mf.partitions[pi].chunks,
				batchSpan{First: first, Last: len(perm)})
		}
	}
	if len(perm) != len(cellBatches) {
		return fmt.Errorf("schedule covers %d of %d batches", len(perm), len(cellBatches))
	}

	mf.cellBatches = make([]batches.CellBatch, len(cellBatches))
	for newID, oldID := range perm {
		mf.cellBatches[newID] = cellBatches[oldID]
	}

	// reverse map for face and boundary operators, which identify their
	// adjoining cells by physical id
	mf.cellLoc = make([][2]int, mf.Dofs.NumCells())
	for b, cb := range mf.cellBatches {
		for l := 0; l < cb.NActive; l++ {
			mf.cellLoc[cb.Cells[l]] = [2]int{b, l}
		}
	}

	// rewrite the schedule in the new numbering so that it matches the
	// rebuilt index tables
	for pi := range mf.sched.Partitions {
		part := &mf.sched.Partitions[pi]
		for ci := range part.Chunks {
			span := mf.partitions[pi].chunks[ci]
			ids := make([]int, 0, span.Last-span.First)
			for b := span.First; b < span.Last; b++ {
				ids = append(ids, b)
			}
			part.Chunks[ci].Batches = ids
		}
	}
	return mf.Dofs.BindBatches(mf.cellBatches, mf.cfg.StorePlainIndices)
}

// compileZeroRanges assigns every zero-chunk of the destination vector
// to the earliest partition whose batches write into it. Chunks nothing
// writes to (the ghost region included) belong to the first partition
// so that a zero-destination loop still clears the whole vector.
func (mf *MatrixFree) compileZeroRanges() {
	total := mf.Dofs.Part.TotalSize()
	if len(mf.partitions) == 0 || total == 0 {
		return
	}
	nChunks := (total + zeroChunkSize - 1) / zeroChunkSize
	owner := make([]int, nChunks)
	for i := range owner {
		owner[i] = 0
	}
	seen := make([]bool, nChunks)
	for pi, part := range mf.partitions {
		for _, span := range part.chunks {
			for b := span.First; b < span.Last; b++ {
				for _, pos := range mf.Dofs.Footprint(b) {
					c := pos / zeroChunkSize
					if !seen[c] {
						seen[c] = true
						owner[c] = pi
					}
				}
			}
		}
	}
	for c := 0; c < nChunks; c++ {
		pi := owner[c]
		start := c * zeroChunkSize
		end := start + zeroChunkSize
		if end > total {
			end = total
		}
		zr := mf.partitions[pi].zeroRanges
		if n := len(zr); n > 0 && zr[n-1][1] == start {
			zr[n-1][1] = end
		} else {
			zr = append(zr, [2]int{start, end})
		}
		mf.partitions[pi].zeroRanges = zr
	}
}

func (mf *MatrixFree) findFirstRemotePartition() {
	mf.firstRemotePartition = len(mf.partitions)
	for pi, part := range mf.partitions {
		for _, span := range part.chunks {
			for b := span.First; b < span.Last; b++ {
				if mf.Dofs.NeedsGhost(b) {
					mf.firstRemotePartition = pi
					return
				}
			}
		}
	}
}

// NCellBatches returns the number of cell batches.
func (mf *MatrixFree) NCellBatches() int { return len(mf.cellBatches) }

// NFaceBatches returns the number of face batches.
func (mf *MatrixFree) NFaceBatches() int { return len(mf.faceBatches) }

// CellBatch returns the metadata of cell batch b.
func (mf *MatrixFree) CellBatch(b int) *batches.CellBatch { return &mf.cellBatches[b] }

// FaceBatch returns the metadata of face batch fb.
func (mf *MatrixFree) FaceBatch(fb int) *batches.FaceBatch { return &mf.faceBatches[fb] }

// NActiveLanes returns the occupied lane count of cell batch b.
func (mf *MatrixFree) NActiveLanes(b int) int { return mf.cellBatches[b].NActive }

// AtIrregularCell reports whether cell batch b has unoccupied lanes.
func (mf *MatrixFree) AtIrregularCell(b int) bool { return mf.cellBatches[b].Irregular() }

// Category returns the category tag of cell batch b.
func (mf *MatrixFree) Category(b int) int { return mf.cellBatches[b].Category }

// BoundaryID returns the boundary id of face batch fb, -1 for interior
// batches.
func (mf *MatrixFree) BoundaryID(fb int) int { return mf.faceBatches[fb].BoundaryID }

// CellBatchLane locates the batch and lane holding the given physical
// cell. Face and boundary operators resolve the adjoining cells of a
// face entry through this query and then gather their DoF values with
// ReadDofValues.
func (mf *MatrixFree) CellBatchLane(cell int) (batch, lane int) {
	loc := mf.cellLoc[cell]
	return loc[0], loc[1]
}

// LaneWidth returns the configured SIMD lane count.
func (mf *MatrixFree) LaneWidth() int { return mf.cfg.Width }

// Geometry exposes the opaque geometry/basis cache to operators.
func (mf *MatrixFree) Geometry() GeometryCache { return mf.geom }

// Schedule exposes the computed execution schedule, mainly for tests
// verifying the disjointness invariant.
func (mf *MatrixFree) Schedule() *taskgraph.Schedule { return mf.sched }

// ReadDofValues gathers the local DoF values of one lane from src.
// Constrained DoFs resolve through their interpolation row. out must
// have DofsPerCell(batch) entries.
func (mf *MatrixFree) ReadDofValues(src *vectors.Vector, batch, lane int, out []float64) {
	for i, d := range mf.Dofs.LocalToGlobal(batch, lane) {
		if row, ok := mf.Dofs.IsConstrained(d); ok {
			x := 0.0
			for _, t := range mf.Dofs.Pool.Row(row) {
				x += t.Coeff * src.Global(t.Dof)
			}
			out[i] = x
		} else {
			out[i] = src.Global(d)
		}
	}
}

// DistributeLocalToGlobal scatter-accumulates one lane's local values
// into dst. Contributions to constrained DoFs distribute onto the
// unconstrained DoFs of the interpolation row.
func (mf *MatrixFree) DistributeLocalToGlobal(dst *vectors.Vector, batch, lane int, vals []float64) {
	for i, d := range mf.Dofs.LocalToGlobal(batch, lane) {
		if row, ok := mf.Dofs.IsConstrained(d); ok {
			for _, t := range mf.Dofs.Pool.Row(row) {
				dst.AddGlobal(t.Dof, t.Coeff*vals[i])
			}
		} else {
			dst.AddGlobal(d, vals[i])
		}
	}
}
