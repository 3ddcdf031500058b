package batches

// CellBatch groups up to Width physical cells that execute together
// through the same reference-element operations. Cells beyond NActive
// are padding (the last valid cell repeated) so lane arithmetic stays
// in bounds; padded lanes must never be accumulated.
type CellBatch struct {
	// Cells holds the physical cell ids, padded to the batch width
	Cells []int

	// NActive is the number of occupied lanes, 1..Width
	NActive int

	// Category tags the local DoF layout shared by all occupied lanes
	// (polynomial degree group, material id, ...)
	Category int
}

// Irregular reports whether the batch has unoccupied lanes.
func (cb *CellBatch) Irregular() bool {
	return cb.NActive < len(cb.Cells)
}

// Face is one physical face as supplied by the mesh collaborator.
// Boundary faces carry a non-negative BoundaryID and ExteriorCell == -1;
// interior and periodic faces always resolve to a valid exterior side.
type Face struct {
	InteriorCell   int
	ExteriorCell   int // -1 at the domain boundary
	InteriorFaceNo int
	ExteriorFaceNo int
	BoundaryID     int // -1 for interior faces
}

// Interior reports whether the face has two adjoining cells.
func (f Face) Interior() bool {
	return f.ExteriorCell >= 0
}

// FaceBatch groups up to Width faces sharing the same boundary id
// (or all interior). Faces beyond NActive repeat the last valid entry.
type FaceBatch struct {
	Faces   []Face
	NActive int

	// BoundaryID is -1 for interior face batches; boundary batches
	// never mix ids, so the tag is well defined per batch.
	BoundaryID int
}

// Irregular reports whether the batch has unoccupied lanes.
func (fb *FaceBatch) Irregular() bool {
	return fb.NActive < len(fb.Faces)
}
