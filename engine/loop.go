package engine

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/matfree/exchange"
	"github.com/notargets/matfree/vectors"
)

// loopState tracks the traversal through its phases. The loop is
// synchronous from the caller's point of view; the state exists for
// introspection and to keep the phase transitions explicit.
type loopState int

const (
	stateIdle loopState = iota
	stateGhostImportPending
	stateLocalCompute
	stateLocalComputeRemote
	stateCompressPending
	stateCompressDone
)

// LoopOptions configures one traversal.
type LoopOptions struct {
	// ZeroDst zeroes the destination subranges of each partition just
	// before that partition executes. Ignored when src and dst alias.
	ZeroDst bool

	// SrcAccess and DstAccess bound the face data the operator reads
	// and writes, shrinking the exchanged ghost payload. The zero
	// value AccessNone disables the respective exchange.
	SrcAccess exchange.AccessMode
	DstAccess exchange.AccessMode
}

// DefaultLoopOptions exchanges the full ghost set in both directions
// and zeroes the destination.
func DefaultLoopOptions() LoopOptions {
	return LoopOptions{
		ZeroDst:   true,
		SrcAccess: exchange.AccessUnspecified,
		DstAccess: exchange.AccessUnspecified,
	}
}

// Loop runs one full cell/face/boundary traversal: ghost import on src,
// the scheduled cell partitions (chunks in parallel), face and boundary
// work once both sides' cell data is ready, then the compress of dst
// and the ghost reset of src.
//
// This is a collective operation: every participating rank must call
// Loop the same number of times with matching access modes, or the
// exchange deadlocks. That discipline is the caller's obligation; the
// engine cannot detect a mismatch locally.
func (mf *MatrixFree) Loop(op Operator, dst, src *vectors.Vector, opts LoopOptions) error {
	aliased := dst == src
	zeroDst := opts.ZeroDst && !aliased

	srcEx := exchange.NewExchanger(mf.transport, mf.scratch, opts.SrcAccess)
	dstEx := exchange.NewExchanger(mf.transport, mf.scratch, opts.DstAccess)

	mf.state = stateGhostImportPending
	if !aliased {
		// ghost import on an aliased source would corrupt the data
		// being written, so it is skipped entirely
		srcEx.GhostUpdateStart(0, src)
	}
	ghostDone := aliased

	finishImport := func() error {
		if ghostDone {
			return nil
		}
		if err := srcEx.GhostUpdateFinish(src); err != nil {
			return fmt.Errorf("ghost import: %w", err)
		}
		ghostDone = true
		mf.state = stateLocalComputeRemote
		return nil
	}

	if len(mf.partitions) == 0 && zeroDst {
		dst.Zero()
	}
	mf.state = stateLocalCompute

	for pi := range mf.partitions {
		part := &mf.partitions[pi]
		if !mf.cfg.OverlapCommunicationComputation || pi >= mf.firstRemotePartition {
			if err := finishImport(); err != nil {
				return err
			}
		}
		if zeroDst {
			for _, zr := range part.zeroRanges {
				dst.ZeroRange(zr[0], zr[1])
			}
		}
		if err := mf.runPartition(op, dst, src, part); err != nil {
			return err
		}
	}

	// faces couple both adjoining cells and may read off-rank data, so
	// they run once all cell partitions completed and ghosts arrived
	if err := finishImport(); err != nil {
		return err
	}
	if mf.nInteriorFaceBatches > 0 {
		op.Face(mf, dst, src, Range{First: 0, Last: mf.nInteriorFaceBatches})
	}
	if mf.nInteriorFaceBatches < len(mf.faceBatches) {
		op.Boundary(mf, dst, src, Range{First: mf.nInteriorFaceBatches, Last: len(mf.faceBatches)})
	}

	mf.state = stateCompressPending
	dstEx.CompressStart(0, dst)
	if err := dstEx.CompressFinish(dst); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	mf.state = stateCompressDone

	if !aliased {
		srcEx.ResetGhostValues(src)
	}
	mf.state = stateIdle
	return nil
}

// runPartition executes the chunks of one partition, in parallel when
// there is more than one: the scheduler guarantees their destination
// footprints are disjoint, so the concurrent accumulation is race-free
// without locks.
func (mf *MatrixFree) runPartition(op Operator, dst, src *vectors.Vector, part *compiledPartition) error {
	if len(part.chunks) == 1 {
		span := part.chunks[0]
		op.Cell(mf, dst, src, Range{First: span.First, Last: span.Last})
		return nil
	}
	g := new(errgroup.Group)
	g.SetLimit(mf.cfg.Concurrency)
	for _, span := range part.chunks {
		span := span
		g.Go(func() error {
			op.Cell(mf, dst, src, Range{First: span.First, Last: span.Last})
			return nil
		})
	}
	return g.Wait()
}
