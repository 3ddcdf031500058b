package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/matfree/batches"
	"github.com/notargets/matfree/dofs"
	"github.com/notargets/matfree/exchange"
	"github.com/notargets/matfree/taskgraph"
	"github.com/notargets/matfree/vectors"
)

// identityOp gathers each lane's DoF values from src and scatter-adds
// them unchanged into dst, so every destination entry accumulates one
// contribution per cell touching it.
func identityOp() OperatorFuncs {
	return OperatorFuncs{
		CellFunc: func(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
			for b := r.First; b < r.Last; b++ {
				buf := make([]float64, mf.Dofs.DofsPerCell(b))
				for lane := 0; lane < mf.NActiveLanes(b); lane++ {
					mf.ReadDofValues(src, b, lane, buf)
					mf.DistributeLocalToGlobal(dst, b, lane, buf)
				}
			}
		},
	}
}

// ownDofNumbering gives cell k the single exclusive DoF k.
func ownDofNumbering(n int) Numbering {
	cd := make([][]int, n)
	for k := range cd {
		cd[k] = []int{k}
	}
	return Numbering{CellDofs: cd, NumDofs: n, Part: dofs.NewSerial(n)}
}

// chainNumbering gives cell k the shared pair {k, k+1}.
func chainNumbering(n int) Numbering {
	cd := make([][]int, n)
	for k := range cd {
		cd[k] = []int{k, k + 1}
	}
	return Numbering{CellDofs: cd, NumDofs: n + 1, Part: dofs.NewSerial(n + 1)}
}

func TestLoop_TenCellsWidthFour(t *testing.T) {
	mf, err := New(Mesh{NumCells: 10}, ownDofNumbering(10), nil,
		NewUnitGeometry(1), nil, Config{Width: 4})
	require.NoError(t, err)

	// ceil(10/4) batches with 4, 4 and 2 active lanes
	require.Equal(t, 3, mf.NCellBatches())
	active := []int{mf.NActiveLanes(0), mf.NActiveLanes(1), mf.NActiveLanes(2)}
	assert.ElementsMatch(t, []int{4, 4, 2}, active)
	assert.Equal(t, 4, mf.LaneWidth())

	src := vectors.New(mf.Dofs.Part)
	dst := vectors.New(mf.Dofs.Part)
	for i := 0; i < src.LocalSize(); i++ {
		src.SetLocal(i, 1.0)
	}
	require.NoError(t, mf.Loop(identityOp(), dst, src, DefaultLoopOptions()))

	// padded lanes of the irregular batch must contribute nothing, so
	// every entry sees exactly its one owning cell
	for i := 0; i < dst.LocalSize(); i++ {
		assert.Equal(t, 1.0, dst.Local(i), "dof %d", i)
	}
}

func TestLoop_IdentityRoundTrip(t *testing.T) {
	mf, err := New(Mesh{NumCells: 7}, ownDofNumbering(7), nil,
		NewUnitGeometry(1), nil, Config{Width: 4})
	require.NoError(t, err)

	src := vectors.New(mf.Dofs.Part)
	dst := vectors.New(mf.Dofs.Part)
	for i := 0; i < src.LocalSize(); i++ {
		src.SetLocal(i, float64(i)*1.5-2)
	}
	require.NoError(t, mf.Loop(identityOp(), dst, src, DefaultLoopOptions()))
	assert.True(t, vectors.Equal(dst, src, 1e-14))
}

func TestLoop_ZeroDstMakesRepeatedLoopsIdempotent(t *testing.T) {
	mf, err := New(Mesh{NumCells: 6}, chainNumbering(6), nil,
		NewUnitGeometry(2), nil, Config{Width: 2})
	require.NoError(t, err)

	src := vectors.New(mf.Dofs.Part)
	for i := 0; i < src.LocalSize(); i++ {
		src.SetLocal(i, 1.0)
	}
	dst := vectors.New(mf.Dofs.Part)

	require.NoError(t, mf.Loop(identityOp(), dst, src, DefaultLoopOptions()))
	first := append([]float64(nil), dst.Data...)
	require.NoError(t, mf.Loop(identityOp(), dst, src, DefaultLoopOptions()))
	assert.Equal(t, first, dst.Data)

	// chain multiplicities: endpoints once, interior DoFs twice
	assert.Equal(t, 1.0, dst.Local(0))
	assert.Equal(t, 2.0, dst.Local(3))
	assert.Equal(t, 1.0, dst.Local(6))
}

func TestLoop_PartitionPartitionMatchesSequential(t *testing.T) {
	numb := chainNumbering(40)
	mkSrc := func(part *dofs.Partitioner) *vectors.Vector {
		v := vectors.New(part)
		for i := 0; i < v.LocalSize(); i++ {
			v.SetLocal(i, float64(i%5)+0.25)
		}
		return v
	}

	seq, err := New(Mesh{NumCells: 40}, numb, nil, NewUnitGeometry(2), nil,
		Config{Width: 4})
	require.NoError(t, err)
	seqDst := vectors.New(seq.Dofs.Part)
	require.NoError(t, seq.Loop(identityOp(), seqDst, mkSrc(seq.Dofs.Part), DefaultLoopOptions()))

	par, err := New(Mesh{NumCells: 40}, numb, nil, NewUnitGeometry(2), nil,
		Config{Width: 4, Strategy: taskgraph.PartitionPartition, TaskBlockSize: 1, Concurrency: 4})
	require.NoError(t, err)
	require.NoError(t, taskgraph.Verify(par.Schedule(), par.Dofs.Footprints()))

	parDst := vectors.New(par.Dofs.Part)
	require.NoError(t, par.Loop(identityOp(), parDst, mkSrc(par.Dofs.Part), DefaultLoopOptions()))
	assert.True(t, vectors.Equal(parDst, seqDst, 1e-14))
}

func TestLoop_AliasedVectorSkipsZeroAndExchange(t *testing.T) {
	addOne := OperatorFuncs{
		CellFunc: func(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
			for b := r.First; b < r.Last; b++ {
				for lane := 0; lane < mf.NActiveLanes(b); lane++ {
					mf.DistributeLocalToGlobal(dst, b, lane, []float64{1.0})
				}
			}
		},
	}

	mf, err := New(Mesh{NumCells: 5}, ownDofNumbering(5), nil,
		NewUnitGeometry(1), nil, Config{Width: 2})
	require.NoError(t, err)

	v := vectors.New(mf.Dofs.Part)
	for i := 0; i < v.LocalSize(); i++ {
		v.SetLocal(i, 2.0)
	}
	// ZeroDst must be ignored when dst aliases src
	require.NoError(t, mf.Loop(addOne, v, v, DefaultLoopOptions()))
	for i := 0; i < v.LocalSize(); i++ {
		assert.Equal(t, 3.0, v.Local(i))
	}
}

func TestLoop_ConstraintsResolveOnReadAndWrite(t *testing.T) {
	// DoF 2 hangs off DoF 0 with weight 0.5: reads interpolate, writes
	// distribute back onto DoF 0
	constraints := []dofs.Constraint{
		{Dof: 2, Terms: []dofs.Weight{{Dof: 0, Coeff: 0.5}}},
	}
	mf, err := New(Mesh{NumCells: 2}, chainNumbering(2), constraints,
		NewUnitGeometry(2), nil, Config{Width: 1})
	require.NoError(t, err)

	src := vectors.New(mf.Dofs.Part)
	src.SetLocal(0, 4.0)
	src.SetLocal(1, 1.0)

	buf := make([]float64, 2)
	mf.ReadDofValues(src, 1, 0, buf) // cell 1 reads {1, 2}
	assert.Equal(t, []float64{1.0, 2.0}, buf)

	dst := vectors.New(mf.Dofs.Part)
	require.NoError(t, mf.Loop(identityOp(), dst, src, DefaultLoopOptions()))
	// contribution of 2.0 meant for DoF 2 lands on DoF 0 as 1.0
	assert.Equal(t, 5.0, dst.Local(0))
	assert.Equal(t, 2.0, dst.Local(1))
	assert.Equal(t, 0.0, dst.Local(2))
}

func TestLoop_TwoRankGhostAndCompress(t *testing.T) {
	// ten chained cells split over two ranks; rank 0's last cell reads
	// the ghosted DoF 5 and its contribution compresses back to rank 1
	parts, err := dofs.NewGroup([]int{5, 5}, [][]int{{5}, {}}, nil, nil)
	require.NoError(t, err)
	transports := exchange.NewLocalGroup(2)

	cellDofs := [][][]int{
		{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 5}},
		{{5, 6}, {6, 7}, {7, 8}, {8, 9}},
	}
	dsts := make([]*vectors.Vector, 2)

	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			numb := Numbering{CellDofs: cellDofs[rank], NumDofs: 10, Part: parts[rank]}
			mf, err := New(Mesh{NumCells: len(cellDofs[rank])}, numb, nil,
				NewUnitGeometry(2), transports[rank],
				Config{Width: 2, OverlapCommunicationComputation: true})
			if err != nil {
				return err
			}
			src := vectors.New(parts[rank])
			for i := 0; i < src.LocalSize(); i++ {
				src.SetLocal(i, 1.0)
			}
			dst := vectors.New(parts[rank])
			dsts[rank] = dst
			return mf.Loop(identityOp(), dst, src, DefaultLoopOptions())
		})
	}
	require.NoError(t, g.Wait())

	// global multiplicities of the 10-cell chain: ends 1, interior 2;
	// DoF 5 is touched once per rank and must sum on its owner
	assert.Equal(t, 1.0, dsts[0].Local(0))
	for d := 1; d < 5; d++ {
		assert.Equal(t, 2.0, dsts[0].Local(d), "dof %d", d)
	}
	assert.Equal(t, 2.0, dsts[1].Local(0), "dof 5 on its owner")
	for d := 6; d < 9; d++ {
		assert.Equal(t, 2.0, dsts[1].Local(d-5), "dof %d", d)
	}
	assert.Equal(t, 1.0, dsts[1].Local(4))

	// consumed ghost contributions are cleared on rank 0
	assert.Equal(t, []float64{0}, dsts[0].Ghost())
}

func TestSchedule_SerializesBatchesSharingOnlyGhostDof(t *testing.T) {
	// rank 0 owns [0,8) and ghosts DoF 8; every cell writes its own DoF
	// plus the ghost slot, so no two batches may ever be co-scheduled
	// even though their owned positions are pairwise disjoint
	parts, err := dofs.NewGroup([]int{8, 1}, [][]int{{8}, {}}, nil, nil)
	require.NoError(t, err)

	cellDofs := make([][]int, 6)
	for k := range cellDofs {
		cellDofs[k] = []int{k, 8}
	}
	numb := Numbering{CellDofs: cellDofs, NumDofs: 9, Part: parts[0]}
	mf, err := New(Mesh{NumCells: 6}, numb, nil, NewUnitGeometry(2), nil, Config{
		Width:         1,
		Strategy:      taskgraph.PartitionPartition,
		TaskBlockSize: 1,
		Concurrency:   4,
	})
	require.NoError(t, err)

	require.NoError(t, taskgraph.Verify(mf.Schedule(), mf.Dofs.Footprints()))
	for pi, part := range mf.Schedule().Partitions {
		assert.Len(t, part.Chunks, 1, "partition %d must not run conflicting chunks in parallel", pi)
	}
}

func TestCellBatchLane_LocatesEveryCell(t *testing.T) {
	mf, err := New(Mesh{NumCells: 10}, chainNumbering(10), nil,
		NewUnitGeometry(2), nil, Config{
			Width:         4,
			Strategy:      taskgraph.PartitionPartition,
			TaskBlockSize: 1,
			Concurrency:   4,
		})
	require.NoError(t, err)

	for c := 0; c < 10; c++ {
		b, l := mf.CellBatchLane(c)
		assert.Less(t, l, mf.NActiveLanes(b))
		assert.Equal(t, c, mf.CellBatch(b).Cells[l], "cell %d", c)
	}
}

func TestFaceOperator_GathersAdjoiningCellValues(t *testing.T) {
	mesh := Mesh{
		NumCells: 2,
		Faces: []batches.Face{
			{InteriorCell: 0, ExteriorCell: 1, InteriorFaceNo: 0, ExteriorFaceNo: 1, BoundaryID: -1},
		},
	}
	mf, err := New(mesh, ownDofNumbering(2), nil, NewUnitGeometry(1), nil, Config{Width: 2})
	require.NoError(t, err)

	src := vectors.New(mf.Dofs.Part)
	src.SetLocal(0, 3.0)
	src.SetLocal(1, 5.0)
	dst := vectors.New(mf.Dofs.Part)

	var jumps []float64
	op := OperatorFuncs{
		FaceFunc: func(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
			in := make([]float64, 1)
			out := make([]float64, 1)
			for fb := r.First; fb < r.Last; fb++ {
				batch := mf.FaceBatch(fb)
				for i := 0; i < batch.NActive; i++ {
					f := batch.Faces[i]
					bi, li := mf.CellBatchLane(f.InteriorCell)
					mf.ReadDofValues(src, bi, li, in)
					be, le := mf.CellBatchLane(f.ExteriorCell)
					mf.ReadDofValues(src, be, le, out)
					jumps = append(jumps, in[0]-out[0])
				}
			}
		},
	}
	require.NoError(t, mf.Loop(op, dst, src, DefaultLoopOptions()))
	assert.Equal(t, []float64{-2.0}, jumps)
}

func TestNew_RejectsInconsistentInputs(t *testing.T) {
	_, err := New(Mesh{NumCells: 3}, ownDofNumbering(2), nil,
		NewUnitGeometry(1), nil, Config{})
	assert.Error(t, err)

	_, err = New(Mesh{NumCells: 2}, ownDofNumbering(2), nil,
		NewUnitGeometry(1), nil, Config{CellCategories: []int{0}})
	assert.Error(t, err)

	_, err = New(Mesh{NumCells: 2}, ownDofNumbering(2), nil,
		NewUnitGeometry(1), nil, Config{Width: -1})
	assert.Error(t, err)
}

func TestLoop_FaceAndBoundaryRanges(t *testing.T) {
	mesh := Mesh{
		NumCells: 2,
		Faces: []batches.Face{
			{InteriorCell: 0, ExteriorCell: 1, InteriorFaceNo: 0, ExteriorFaceNo: 1, BoundaryID: -1},
			{InteriorCell: 0, ExteriorCell: -1, InteriorFaceNo: 1, ExteriorFaceNo: -1, BoundaryID: 7},
		},
	}
	mf, err := New(mesh, ownDofNumbering(2), nil, NewUnitGeometry(1), nil, Config{Width: 2})
	require.NoError(t, err)

	var faceBatches, boundaryBatches []int
	op := OperatorFuncs{
		FaceFunc: func(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
			for fb := r.First; fb < r.Last; fb++ {
				faceBatches = append(faceBatches, fb)
			}
		},
		BoundaryFunc: func(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
			for fb := r.First; fb < r.Last; fb++ {
				boundaryBatches = append(boundaryBatches, fb)
			}
		},
	}
	src := vectors.New(mf.Dofs.Part)
	dst := vectors.New(mf.Dofs.Part)
	require.NoError(t, mf.Loop(op, dst, src, DefaultLoopOptions()))

	require.Len(t, faceBatches, 1)
	require.Len(t, boundaryBatches, 1)
	assert.Equal(t, -1, mf.BoundaryID(faceBatches[0]))
	assert.Equal(t, 7, mf.BoundaryID(boundaryBatches[0]))
	assert.True(t, mf.FaceBatch(faceBatches[0]).Faces[0].Interior())
}
