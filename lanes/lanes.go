// Package lanes provides the fixed-width lane abstraction used to pack
// mesh entities into data-parallel batches. A batch holds up to Width
// entries processed by the same reference-element operations; arithmetic
// on padded lanes is well-defined but discarded by the caller.
package lanes

// DefaultWidth is the lane count used when a configuration does not
// request one. Four doubles match a 256-bit vector register.
const DefaultWidth = 4

// Pad extends ids to width entries by repeating the last valid entry.
// Padded lanes reference a real mesh entity so gather/scatter index
// arithmetic stays in bounds; their results are never accumulated.
func Pad(ids []int, width int) []int {
	if len(ids) == 0 || len(ids) >= width {
		return ids
	}
	out := make([]int, width)
	copy(out, ids)
	last := ids[len(ids)-1]
	for i := len(ids); i < width; i++ {
		out[i] = last
	}
	return out
}

// Transform applies f elementwise to the first nActive lanes of src,
// writing into dst. dst and src may alias.
func Transform(dst, src []float64, nActive int, f func(float64) float64) {
	for l := 0; l < nActive; l++ {
		dst[l] = f(src[l])
	}
}

// Axpy accumulates alpha*x into y across the first nActive lanes.
func Axpy(alpha float64, x, y []float64, nActive int) {
	for l := 0; l < nActive; l++ {
		y[l] += alpha * x[l]
	}
}

// Fill sets the first nActive lanes of dst to v and zeroes the rest,
// so padded lanes never carry stale values into a reduction.
func Fill(dst []float64, nActive int, v float64) {
	for l := range dst {
		if l < nActive {
			dst[l] = v
		} else {
			dst[l] = 0
		}
	}
}
