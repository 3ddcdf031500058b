package exchange

// Pad is a reusable scratch buffer for staging reduced-payload
// transfers. Pads belong to a ScratchPool and must be returned after
// every finish or compress call, including early-return paths.
type Pad struct {
	Data  []float64
	inUse bool
}

// ScratchPool hands out scratch pads for exchange staging. The pool is
// NOT thread-safe: it is owned by the single goroutine driving one
// exchange at a time. Concurrent access is an unchecked precondition
// violation.
type ScratchPool struct {
	pads []*Pad
}

// NewScratchPool returns an empty pool; pads are allocated on demand
// and reused across loop invocations.
func NewScratchPool() *ScratchPool {
	return &ScratchPool{}
}

// Acquire returns a pad with at least n values of capacity, its first n
// entries zeroed.
func (p *ScratchPool) Acquire(n int) *Pad {
	for _, pad := range p.pads {
		if !pad.inUse && cap(pad.Data) >= n {
			pad.inUse = true
			pad.Data = pad.Data[:n]
			for i := range pad.Data {
				pad.Data[i] = 0
			}
			return pad
		}
	}
	pad := &Pad{Data: make([]float64, n), inUse: true}
	p.pads = append(p.pads, pad)
	return pad
}

// Release returns the pad to the pool. Releasing a pad twice or one the
// pool never handed out is a programmer error.
func (p *ScratchPool) Release(pad *Pad) {
	if !pad.inUse {
		panic("exchange: scratch pad released twice")
	}
	for _, own := range p.pads {
		if own == pad {
			pad.inUse = false
			return
		}
	}
	panic("exchange: released scratch pad does not belong to this pool")
}
