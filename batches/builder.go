package batches

import (
	"fmt"
	"sort"

	"github.com/notargets/matfree/lanes"
)

// Builder partitions the ordered collection of active cells and faces
// into fixed-width batches subject to a category constraint: cells of
// different categories are never merged unless the builder is in
// non-strict mode and the categories share a local DoF layout size.
type Builder struct {
	// Width is the lane count of every produced batch
	Width int

	// Strict forbids cross-category merging, potentially leaving more
	// under-filled batches
	Strict bool

	// CategorySizes maps a category id to its local DoF layout size.
	// Non-strict merging only combines categories with equal sizes.
	// A nil map treats all categories as layout-compatible.
	CategorySizes map[int]int
}

// NewBuilder validates the requested lane width and returns a builder.
func NewBuilder(width int, strict bool) (*Builder, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid lane width %d, must be positive", width)
	}
	return &Builder{Width: width, Strict: strict}, nil
}

// BuildCells groups cells 0..nCells-1 into batches. categories may be
// nil, in which case every cell belongs to category 0. A zero cell
// count yields zero batches, not an error.
func (b *Builder) BuildCells(nCells int, categories []int) ([]CellBatch, error) {
	if nCells < 0 {
		return nil, fmt.Errorf("negative cell count %d", nCells)
	}
	if categories != nil && len(categories) != nCells {
		return nil, fmt.Errorf("category array length %d does not match cell count %d",
			len(categories), nCells)
	}
	if nCells == 0 {
		return nil, nil
	}

	cat := func(c int) int {
		if categories == nil {
			return 0
		}
		return categories[c]
	}

	// Stable grouping: cells ordered by ascending category, original
	// order preserved within a category. Lower categories merge upward
	// in non-strict mode.
	order := make([]int, nCells)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return cat(order[i]) < cat(order[j])
	})

	var (
		out     []CellBatch
		current []int
		curCat  = cat(order[0])
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, CellBatch{
			Cells:    lanes.Pad(current, b.Width),
			NActive:  len(current),
			Category: curCat,
		})
		current = nil
	}

	for _, c := range order {
		cc := cat(c)
		if len(current) == b.Width {
			flush()
		}
		if len(current) > 0 && cc != curCat {
			if b.Strict || !b.compatible(curCat, cc) {
				flush()
			}
		}
		if len(current) == 0 {
			curCat = cc
		} else if cc > curCat {
			// merged batch takes the higher category tag
			curCat = cc
		}
		current = append(current, c)
	}
	flush()
	return out, nil
}

// compatible reports whether two categories share a local DoF layout
// and may therefore occupy the same batch in non-strict mode.
func (b *Builder) compatible(a, c int) bool {
	if b.CategorySizes == nil {
		return true
	}
	sa, oka := b.CategorySizes[a]
	sc, okc := b.CategorySizes[c]
	return oka && okc && sa == sc
}

// BuildFaces groups faces into batches. Interior faces form one stream;
// boundary faces are grouped by boundary id, which acts as a strict
// category (different ids never share a batch).
func (b *Builder) BuildFaces(faces []Face) ([]FaceBatch, error) {
	interior := make([]Face, 0, len(faces))
	boundary := make(map[int][]Face)
	var ids []int

	for i, f := range faces {
		if f.Interior() {
			if f.ExteriorFaceNo < 0 {
				return nil, fmt.Errorf("face %d: interior face lacks exterior face number", i)
			}
			interior = append(interior, f)
			continue
		}
		if f.BoundaryID < 0 {
			return nil, fmt.Errorf("face %d: boundary face without boundary id", i)
		}
		if _, seen := boundary[f.BoundaryID]; !seen {
			ids = append(ids, f.BoundaryID)
		}
		boundary[f.BoundaryID] = append(boundary[f.BoundaryID], f)
	}
	sort.Ints(ids)

	var out []FaceBatch
	out = b.appendFaceBatches(out, interior, -1)
	for _, id := range ids {
		out = b.appendFaceBatches(out, boundary[id], id)
	}
	return out, nil
}

func (b *Builder) appendFaceBatches(out []FaceBatch, faces []Face, boundaryID int) []FaceBatch {
	for start := 0; start < len(faces); start += b.Width {
		end := start + b.Width
		if end > len(faces) {
			end = len(faces)
		}
		chunk := faces[start:end]
		padded := make([]Face, b.Width)
		copy(padded, chunk)
		for l := len(chunk); l < b.Width; l++ {
			padded[l] = chunk[len(chunk)-1]
		}
		out = append(out, FaceBatch{
			Faces:      padded,
			NActive:    len(chunk),
			BoundaryID: boundaryID,
		})
	}
	return out
}
