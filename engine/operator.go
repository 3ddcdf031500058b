package engine

import "github.com/notargets/matfree/vectors"

// Range is a contiguous batch range [First, Last) handed to one
// operator invocation.
type Range struct {
	First, Last int
}

// Len returns the number of batches in the range.
func (r Range) Len() int { return r.Last - r.First }

// Operator is the numerical kernel supplied by the caller, with one
// entry point per traversal kind. Implementations read src and
// accumulate into dst exclusively through the DoF-indexed gather and
// scatter of the engine; any other cross-batch shared state is off
// limits while the loop runs.
type Operator interface {
	Cell(mf *MatrixFree, dst, src *vectors.Vector, r Range)
	Face(mf *MatrixFree, dst, src *vectors.Vector, r Range)
	Boundary(mf *MatrixFree, dst, src *vectors.Vector, r Range)
}

// OperatorFuncs adapts plain closures to the Operator interface. Nil
// entries skip the corresponding traversal.
type OperatorFuncs struct {
	CellFunc     func(mf *MatrixFree, dst, src *vectors.Vector, r Range)
	FaceFunc     func(mf *MatrixFree, dst, src *vectors.Vector, r Range)
	BoundaryFunc func(mf *MatrixFree, dst, src *vectors.Vector, r Range)
}

func (o OperatorFuncs) Cell(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
	if o.CellFunc != nil && r.Len() > 0 {
		o.CellFunc(mf, dst, src, r)
	}
}

func (o OperatorFuncs) Face(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
	if o.FaceFunc != nil && r.Len() > 0 {
		o.FaceFunc(mf, dst, src, r)
	}
}

func (o OperatorFuncs) Boundary(mf *MatrixFree, dst, src *vectors.Vector, r Range) {
	if o.BoundaryFunc != nil && r.Len() > 0 {
		o.BoundaryFunc(mf, dst, src, r)
	}
}
