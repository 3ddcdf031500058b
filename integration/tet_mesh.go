// Package integration bridges gocfd tetrahedral meshes into the
// matrix-free engine: it derives the active cell list, a discontinuous
// per-cell DoF numbering and the face connectivity with boundary tags
// from an Element3D.
package integration

import (
	"fmt"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"github.com/notargets/gocfd/DG3D/tetrahedra/tetelement"

	"github.com/notargets/matfree/batches"
	"github.com/notargets/matfree/dofs"
	"github.com/notargets/matfree/engine"
)

// TetMesh wraps a gocfd tetrahedral element mesh together with the
// engine inputs derived from it.
type TetMesh struct {
	*tetelement.Element3D

	Mesh      engine.Mesh
	Numbering engine.Numbering
}

// nudgFaces is the face count of a tetrahedron.
const nudgFaces = 4

// NewTetMesh reads a mesh file, builds the order-p tetrahedral element
// tables and derives the engine inputs. The DoF numbering is
// discontinuous: cell k owns the Np indices [k*Np, (k+1)*Np).
func NewTetMesh(order int, meshfile string) (*TetMesh, error) {
	msh, err := readers.ReadMeshFile(meshfile)
	if err != nil {
		return nil, fmt.Errorf("read mesh %s: %w", meshfile, err)
	}
	el3d, err := tetelement.NewElement3DFromMesh(order, msh)
	if err != nil {
		return nil, fmt.Errorf("element tables: %w", err)
	}

	dg := el3d.DG3D
	tm := &TetMesh{Element3D: el3d}

	cellDofs := make([][]int, dg.K)
	for k := 0; k < dg.K; k++ {
		ds := make([]int, dg.Np)
		for i := range ds {
			ds[i] = k*dg.Np + i
		}
		cellDofs[k] = ds
	}

	faces, err := facesFromConnectivity(dg.EToE)
	if err != nil {
		return nil, err
	}

	tm.Mesh = engine.Mesh{NumCells: dg.K, Faces: faces}
	tm.Numbering = engine.Numbering{
		CellDofs: cellDofs,
		NumDofs:  dg.K * dg.Np,
		Part:     dofs.NewSerial(dg.K * dg.Np),
	}
	return tm, nil
}

// facesFromConnectivity converts NUDG element-to-element tables into
// face entries. A self-referencing or negative neighbor marks a
// boundary face; each interior face appears once, owned by the lower
// cell index.
func facesFromConnectivity(etoe [][]int) ([]batches.Face, error) {
	var faces []batches.Face
	for k, nbrs := range etoe {
		if len(nbrs) != nudgFaces {
			return nil, fmt.Errorf("cell %d has %d faces, expected %d", k, len(nbrs), nudgFaces)
		}
		for f, nb := range nbrs {
			switch {
			case nb < 0 || nb == k:
				faces = append(faces, batches.Face{
					InteriorCell:   k,
					ExteriorCell:   -1,
					InteriorFaceNo: f,
					ExteriorFaceNo: -1,
					BoundaryID:     0,
				})
			case nb > k:
				nf, err := neighborFace(etoe, k, nb)
				if err != nil {
					return nil, err
				}
				faces = append(faces, batches.Face{
					InteriorCell:   k,
					ExteriorCell:   nb,
					InteriorFaceNo: f,
					ExteriorFaceNo: nf,
					BoundaryID:     -1,
				})
			}
		}
	}
	return faces, nil
}

func neighborFace(etoe [][]int, k, nb int) (int, error) {
	for f, back := range etoe[nb] {
		if back == k {
			return f, nil
		}
	}
	return 0, fmt.Errorf("cells %d and %d share a face only one of them knows", k, nb)
}
