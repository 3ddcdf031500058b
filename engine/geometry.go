package engine

import "gonum.org/v1/gonum/mat"

// UnitGeometry is a trivial geometry cache for affine unit-Jacobian
// meshes: every batch sees the identity Jacobian and an identity shape
// table of the given size. Useful for tests and for operators whose
// kernels carry their own geometry.
type UnitGeometry struct {
	Size int

	identity *mat.Dense
}

// NewUnitGeometry returns a cache producing size x size identity
// tables.
func NewUnitGeometry(size int) *UnitGeometry {
	id := mat.NewDense(size, size, nil)
	for i := 0; i < size; i++ {
		id.Set(i, i, 1)
	}
	return &UnitGeometry{Size: size, identity: id}
}

// Jacobians returns the identity table for every key.
func (g *UnitGeometry) Jacobians(GeometryKey) *mat.Dense { return g.identity }

// ShapeValues returns the identity table for every category.
func (g *UnitGeometry) ShapeValues(int) *mat.Dense { return g.identity }
