// Package vectors provides the distributed vector consumed by the
// matrix-free loop: contiguous locally-owned storage followed by a
// ghost region holding read-only copies (or pending contributions) of
// remotely-owned entries.
package vectors

import (
	"fmt"

	"github.com/notargets/matfree/dofs"
	"gonum.org/v1/gonum/floats"
)

// Vector is one rank's share of a distributed vector. Data holds the
// owned entries first and the ghost region after, in the slot order
// fixed by the partitioner.
type Vector struct {
	Part *dofs.Partitioner
	Data []float64

	// GhostsValid marks the ghost region as holding current values
	// from the owning ranks. The loop driver restores the flag (and
	// zeroes the region) on exit unless the caller set it beforehand.
	GhostsValid bool
}

// New allocates a zero vector laid out by the partitioner.
func New(part *dofs.Partitioner) *Vector {
	return &Vector{Part: part, Data: make([]float64, part.TotalSize())}
}

// LocalSize returns the number of owned entries.
func (v *Vector) LocalSize() int { return v.Part.LocalSize() }

// Local returns the owned entry at local position i.
func (v *Vector) Local(i int) float64 { return v.Data[i] }

// SetLocal stores into the owned entry at local position i.
func (v *Vector) SetLocal(i int, x float64) { v.Data[i] = x }

// AddLocal accumulates into the owned entry at local position i.
func (v *Vector) AddLocal(i int, x float64) { v.Data[i] += x }

// Global reads the entry for global index g, which must be owned or
// ghosted by this rank.
func (v *Vector) Global(g int) float64 {
	i, ok := v.Part.GlobalToLocal(g)
	if !ok {
		panic(fmt.Sprintf("global index %d is neither owned nor ghosted on rank %d", g, v.Part.Rank))
	}
	return v.Data[i]
}

// AddGlobal accumulates into the entry for global index g.
func (v *Vector) AddGlobal(g int, x float64) {
	i, ok := v.Part.GlobalToLocal(g)
	if !ok {
		panic(fmt.Sprintf("global index %d is neither owned nor ghosted on rank %d", g, v.Part.Rank))
	}
	v.Data[i] += x
}

// Ghost returns the ghost region as a slice view.
func (v *Vector) Ghost() []float64 { return v.Data[v.Part.LocalSize():] }

// ZeroOutGhosts clears the ghost region and the ghost-valid flag.
func (v *Vector) ZeroOutGhosts() {
	ghost := v.Ghost()
	for i := range ghost {
		ghost[i] = 0
	}
	v.GhostsValid = false
}

// ZeroRange clears Data[start:end).
func (v *Vector) ZeroRange(start, end int) {
	for i := start; i < end; i++ {
		v.Data[i] = 0
	}
}

// Zero clears all storage including the ghost region.
func (v *Vector) Zero() {
	v.ZeroRange(0, len(v.Data))
	v.GhostsValid = false
}

// AddScaled accumulates alpha*other into v. Both vectors must share a
// layout.
func (v *Vector) AddScaled(alpha float64, other *Vector) {
	floats.AddScaled(v.Data, alpha, other.Data)
}

// Equal reports elementwise equality of the owned regions within tol.
func Equal(a, b *Vector, tol float64) bool {
	n := a.LocalSize()
	if n != b.LocalSize() {
		return false
	}
	if n == 0 {
		return true
	}
	return floats.EqualApprox(a.Data[:n], b.Data[:n], tol)
}
