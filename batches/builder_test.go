package batches

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCells_IrregularTrailingBatch(t *testing.T) {
	b, err := NewBuilder(4, false)
	require.NoError(t, err)

	cbs, err := b.BuildCells(10, nil)
	require.NoError(t, err)

	// ceil(10/4) batches, the last one under-filled
	require.Len(t, cbs, 3)
	assert.Equal(t, 4, cbs[0].NActive)
	assert.Equal(t, 4, cbs[1].NActive)
	assert.Equal(t, 2, cbs[2].NActive)
	assert.False(t, cbs[0].Irregular())
	assert.True(t, cbs[2].Irregular())

	// padded lanes repeat the last valid cell
	assert.Equal(t, []int{8, 9, 9, 9}, cbs[2].Cells)
}

func TestBuildCells_ZeroCells(t *testing.T) {
	b, err := NewBuilder(4, false)
	require.NoError(t, err)

	cbs, err := b.BuildCells(0, nil)
	require.NoError(t, err)
	assert.Empty(t, cbs)
}

func TestBuildCells_CategoryModes(t *testing.T) {
	// categories of sizes {3, 5}, width 4
	cats := []int{0, 0, 0, 1, 1, 1, 1, 1}

	strict, err := NewBuilder(4, true)
	require.NoError(t, err)
	cbs, err := strict.BuildCells(len(cats), cats)
	require.NoError(t, err)
	require.Len(t, cbs, 3)
	assert.Equal(t, 3, cbs[0].NActive)
	assert.Equal(t, 0, cbs[0].Category)
	assert.Equal(t, 4, cbs[1].NActive)
	assert.Equal(t, 1, cbs[1].NActive+cbs[2].NActive-4)
	for _, cb := range cbs[1:] {
		assert.Equal(t, 1, cb.Category)
	}

	merged, err := NewBuilder(4, false)
	require.NoError(t, err)
	cbs, err = merged.BuildCells(len(cats), cats)
	require.NoError(t, err)
	require.Len(t, cbs, 2)
	// the merged batch takes the higher category tag
	assert.Equal(t, 1, cbs[0].Category)
	assert.Equal(t, 4, cbs[0].NActive)
	assert.Equal(t, 4, cbs[1].NActive)
}

func TestBuildCells_MergeRespectsLayoutSizes(t *testing.T) {
	b, err := NewBuilder(4, false)
	require.NoError(t, err)
	b.CategorySizes = map[int]int{0: 4, 1: 10}

	cats := []int{0, 0, 0, 1, 1, 1, 1, 1}
	cbs, err := b.BuildCells(len(cats), cats)
	require.NoError(t, err)

	// incompatible layouts must not share a batch even in merge mode
	require.Len(t, cbs, 3)
	for _, cb := range cbs {
		for l := 0; l < cb.NActive; l++ {
			assert.Equal(t, cb.Category, cats[cb.Cells[l]])
		}
	}
}

func TestBuildCells_CategoryLengthMismatch(t *testing.T) {
	b, err := NewBuilder(4, false)
	require.NoError(t, err)
	_, err = b.BuildCells(5, []int{0, 0})
	assert.Error(t, err)
}

func TestBuildFaces_GroupsByBoundaryID(t *testing.T) {
	b, err := NewBuilder(2, false)
	require.NoError(t, err)

	faces := []Face{
		{InteriorCell: 0, ExteriorCell: 1, InteriorFaceNo: 0, ExteriorFaceNo: 1, BoundaryID: -1},
		{InteriorCell: 0, ExteriorCell: -1, InteriorFaceNo: 1, ExteriorFaceNo: -1, BoundaryID: 2},
		{InteriorCell: 1, ExteriorCell: -1, InteriorFaceNo: 0, ExteriorFaceNo: -1, BoundaryID: 1},
		{InteriorCell: 1, ExteriorCell: -1, InteriorFaceNo: 2, ExteriorFaceNo: -1, BoundaryID: 1},
	}
	fbs, err := b.BuildFaces(faces)
	require.NoError(t, err)

	require.Len(t, fbs, 3)
	assert.Equal(t, -1, fbs[0].BoundaryID)
	assert.Equal(t, 1, fbs[0].NActive)
	assert.True(t, fbs[0].Irregular())
	assert.Equal(t, 1, fbs[1].BoundaryID)
	assert.Equal(t, 2, fbs[1].NActive)
	assert.Equal(t, 2, fbs[2].BoundaryID)
	assert.Equal(t, 1, fbs[2].NActive)
}

func TestBuildFaces_RejectsBoundaryWithoutID(t *testing.T) {
	b, err := NewBuilder(2, false)
	require.NoError(t, err)
	_, err = b.BuildFaces([]Face{
		{InteriorCell: 0, ExteriorCell: -1, InteriorFaceNo: 0, ExteriorFaceNo: -1, BoundaryID: -1},
	})
	assert.Error(t, err)
}
