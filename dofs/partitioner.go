package dofs

import (
	"fmt"
	"sort"
)

// GhostLevel selects how much of the ghost region an exchange touches.
// Reduced levels shrink the payload when the per-batch operator only
// reads face values or face gradients from neighboring cells.
type GhostLevel int

const (
	// GhostValues covers only the DoFs needed to evaluate function
	// values on faces adjacent to another rank
	GhostValues GhostLevel = iota

	// GhostGradients adds the derivative support points on such faces
	GhostGradients

	// GhostAll covers the full ghost index set
	GhostAll

	numGhostLevels
)

// Span lists vector positions exchanged with one neighbor rank.
// For imports the positions index the ghost region, for exports the
// owned region. Index lists are fixed once the partitioner is built.
type Span struct {
	Rank      int
	Positions []int
}

type ghostLayout struct {
	imports []Span
	exports []Span
}

// Partitioner describes the distribution of one global index space:
// the contiguous locally-owned range of this rank and the ghost indices
// it reads or accumulates into remotely-owned entries.
type Partitioner struct {
	Rank     int
	NumRanks int

	// OwnedStart/OwnedEnd delimit the global range [OwnedStart,OwnedEnd)
	// owned by this rank
	OwnedStart int
	OwnedEnd   int

	// GhostIndices are the sorted global indices this rank needs but
	// does not own
	GhostIndices []int

	ownedStarts []int // global owned start per rank, ascending, len NumRanks+1
	ghostPos    map[int]int
	levels      [numGhostLevels]ghostLayout
}

// NewSerial returns the single-rank partitioner owning [0, n).
func NewSerial(n int) *Partitioner {
	return &Partitioner{
		Rank:        0,
		NumRanks:    1,
		OwnedStart:  0,
		OwnedEnd:    n,
		ownedStarts: []int{0, n},
		ghostPos:    map[int]int{},
	}
}

// NewGroup builds one partitioner per rank from the owned range sizes
// and each rank's ghost index set. Ranks own consecutive contiguous
// ranges in order. valueGhosts and gradientGhosts optionally restrict
// the exchanged payload per level; nil means the full ghost set.
//
// The group constructor has global knowledge, so import and export
// index lists come out consistent across ranks; a distributed setup
// must feed every rank the same arguments.
func NewGroup(ownedSizes []int, ghostSets, valueGhosts, gradientGhosts [][]int) ([]*Partitioner, error) {
	n := len(ownedSizes)
	if n == 0 {
		return nil, fmt.Errorf("empty rank group")
	}
	if len(ghostSets) != n {
		return nil, fmt.Errorf("ghost sets for %d ranks, expected %d", len(ghostSets), n)
	}

	starts := make([]int, n+1)
	for r, sz := range ownedSizes {
		if sz < 0 {
			return nil, fmt.Errorf("rank %d: negative owned size %d", r, sz)
		}
		starts[r+1] = starts[r] + sz
	}
	total := starts[n]

	parts := make([]*Partitioner, n)
	for r := 0; r < n; r++ {
		ghosts := append([]int(nil), ghostSets[r]...)
		sort.Ints(ghosts)
		pos := make(map[int]int, len(ghosts))
		for i, g := range ghosts {
			if g < 0 || g >= total {
				return nil, fmt.Errorf("rank %d: ghost index %d outside global range [0,%d)", r, g, total)
			}
			if g >= starts[r] && g < starts[r+1] {
				return nil, fmt.Errorf("rank %d: ghost index %d lies in its own owned range", r, g)
			}
			if _, dup := pos[g]; dup {
				return nil, fmt.Errorf("rank %d: duplicate ghost index %d", r, g)
			}
			pos[g] = i
		}
		parts[r] = &Partitioner{
			Rank:         r,
			NumRanks:     n,
			OwnedStart:   starts[r],
			OwnedEnd:     starts[r+1],
			GhostIndices: ghosts,
			ownedStarts:  starts,
			ghostPos:     pos,
		}
	}

	subsets := [numGhostLevels][][]int{valueGhosts, gradientGhosts, ghostSets}
	for level := GhostValues; level < numGhostLevels; level++ {
		sel := subsets[level]
		if sel == nil {
			sel = ghostSets
		}
		if err := buildSpans(parts, sel, level); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// buildSpans derives, for every rank and the given level, the per-neighbor
// import positions (ghost-region offsets) and export positions (owned
// offsets) implied by the selected ghost subsets.
func buildSpans(parts []*Partitioner, ghostSel [][]int, level GhostLevel) error {
	n := len(parts)
	imports := make([]map[int][]int, n) // rank -> neighbor -> ghost region positions
	exports := make([]map[int][]int, n) // rank -> neighbor -> owned positions
	for r := range parts {
		imports[r] = make(map[int][]int)
		exports[r] = make(map[int][]int)
	}

	for r, p := range parts {
		sel := append([]int(nil), ghostSel[r]...)
		sort.Ints(sel)
		for _, g := range sel {
			slot, ok := p.ghostPos[g]
			if !ok {
				return fmt.Errorf("rank %d: level-%d ghost %d not in the full ghost set", r, level, g)
			}
			owner := p.Owner(g)
			imports[r][owner] = append(imports[r][owner], slot)
			exports[owner][r] = append(exports[owner][r], g-parts[owner].OwnedStart)
		}
	}

	for r, p := range parts {
		p.levels[level].imports = spansOf(imports[r])
		p.levels[level].exports = spansOf(exports[r])
	}
	return nil
}

func spansOf(m map[int][]int) []Span {
	ranks := make([]int, 0, len(m))
	for r := range m {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	spans := make([]Span, 0, len(ranks))
	for _, r := range ranks {
		spans = append(spans, Span{Rank: r, Positions: m[r]})
	}
	return spans
}

// LocalSize returns the number of locally-owned entries.
func (p *Partitioner) LocalSize() int { return p.OwnedEnd - p.OwnedStart }

// NumGhosts returns the size of the full ghost set.
func (p *Partitioner) NumGhosts() int { return len(p.GhostIndices) }

// TotalSize returns owned plus ghost storage size for a local vector.
func (p *Partitioner) TotalSize() int { return p.LocalSize() + p.NumGhosts() }

// IsOwned reports whether the global index lies in the owned range.
func (p *Partitioner) IsOwned(g int) bool {
	return g >= p.OwnedStart && g < p.OwnedEnd
}

// Owner returns the rank owning global index g, or -1 if out of range.
func (p *Partitioner) Owner(g int) int {
	i := sort.SearchInts(p.ownedStarts, g+1) - 1
	if i < 0 || i >= p.NumRanks {
		return -1
	}
	return i
}

// GlobalToLocal maps a global index to its position in the local vector
// (owned entries first, ghost region after). The second return value is
// false when this rank neither owns nor ghosts the index.
func (p *Partitioner) GlobalToLocal(g int) (int, bool) {
	if p.IsOwned(g) {
		return g - p.OwnedStart, true
	}
	if slot, ok := p.ghostPos[g]; ok {
		return p.LocalSize() + slot, true
	}
	return 0, false
}

// Imports lists the ghost-region positions received from each neighbor
// at the given level.
func (p *Partitioner) Imports(level GhostLevel) []Span { return p.levels[level].imports }

// Exports lists the owned positions sent to each neighbor at the given
// level.
func (p *Partitioner) Exports(level GhostLevel) []Span { return p.levels[level].exports }
