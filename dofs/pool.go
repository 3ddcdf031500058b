package dofs

import (
	"encoding/binary"
	"math"

	"github.com/OneOfOne/xxhash"
)

// Weight is one (unconstrained DoF, interpolation coefficient) pair of
// a constraint row.
type Weight struct {
	Dof   int
	Coeff float64
}

// Constraint expresses a constrained DoF as a weighted combination over
// unconstrained DoFs, as delivered by the constraint collaborator.
type Constraint struct {
	Dof   int
	Terms []Weight
}

// Pool deduplicates constraint weight rows. Similar cells produce
// identical interpolation patterns, so the pool typically stays small
// even on large meshes. Rows are never mutated after insertion.
type Pool struct {
	rows    [][]Weight
	byCksum map[uint32][]int
}

// NewPool returns an empty constraint pool.
func NewPool() *Pool {
	return &Pool{byCksum: make(map[uint32][]int)}
}

// Insert stores the weight row and returns its pool index. A row equal
// to an already-stored one returns the existing index.
func (p *Pool) Insert(terms []Weight) int {
	sum := checksumRow(terms)
	for _, i := range p.byCksum[sum] {
		if rowsEqual(p.rows[i], terms) {
			return i
		}
	}
	row := append([]Weight(nil), terms...)
	i := len(p.rows)
	p.rows = append(p.rows, row)
	p.byCksum[sum] = append(p.byCksum[sum], i)
	return i
}

// Row returns the weight row at pool index i. The caller must not
// modify the returned slice.
func (p *Pool) Row(i int) []Weight { return p.rows[i] }

// Len returns the number of distinct rows stored.
func (p *Pool) Len() int { return len(p.rows) }

func checksumRow(terms []Weight) uint32 {
	buf := make([]byte, 16*len(terms))
	for i, t := range terms {
		binary.LittleEndian.PutUint64(buf[16*i:], uint64(t.Dof))
		binary.LittleEndian.PutUint64(buf[16*i+8:], math.Float64bits(t.Coeff))
	}
	return xxhash.Checksum32(buf)
}

func rowsEqual(a, b []Weight) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
