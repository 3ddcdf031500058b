package integration

import (
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/matfree/engine"
)

// TetGeometry adapts the NUDG tables of a TetMesh to the engine's
// geometry cache. Jacobians delivers the per-node Jacobian determinant
// table [Np x K]; operators pick their batch's columns through the cell
// ids of the batch. ShapeValues delivers the Vandermonde matrix of the
// (single) tetrahedral category.
type TetGeometry struct {
	jac   *mat.Dense
	shape *mat.Dense

	// reference differentiation operators for kernels computing
	// physical derivatives
	Dr, Ds, Dt *mat.Dense
}

// NewTetGeometry snapshots the element tables of tm into dense
// matrices. The snapshot keeps the cache immutable alongside the
// engine even if the element struct is reused.
func NewTetGeometry(tm *TetMesh) *TetGeometry {
	dg := tm.Element3D.DG3D
	return &TetGeometry{
		jac:   mat.DenseCopyOf(dg.J),
		shape: mat.DenseCopyOf(dg.V),
		Dr:    mat.DenseCopyOf(dg.Dr),
		Ds:    mat.DenseCopyOf(dg.Ds),
		Dt:    mat.DenseCopyOf(dg.Dt),
	}
}

// Jacobians returns the full determinant table; the key is ignored
// since a NUDG mesh stores one global table.
func (g *TetGeometry) Jacobians(engine.GeometryKey) *mat.Dense { return g.jac }

// ShapeValues returns the Vandermonde matrix. Tetrahedral meshes carry
// a single category, so the argument is ignored.
func (g *TetGeometry) ShapeValues(int) *mat.Dense { return g.shape }
