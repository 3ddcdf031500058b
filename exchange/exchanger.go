package exchange

import (
	"github.com/notargets/matfree/dofs"
	"github.com/notargets/matfree/vectors"
)

// AccessMode restricts how much face data the per-batch operator reads
// from neighboring cells, which shrinks the exchanged payload.
type AccessMode int

const (
	// AccessNone skips the exchange entirely (cell integrals only)
	AccessNone AccessMode = iota

	// AccessValues exchanges only the DoFs needed for function values
	// on rank-boundary faces
	AccessValues

	// AccessGradients additionally exchanges derivative support points
	AccessGradients

	// AccessUnspecified exchanges the full ghost set
	AccessUnspecified
)

func (m AccessMode) level() dofs.GhostLevel {
	switch m {
	case AccessValues:
		return dofs.GhostValues
	case AccessGradients:
		return dofs.GhostGradients
	default:
		return dofs.GhostAll
	}
}

const (
	tagGhost    = 0
	tagCompress = 1
	tagsPerComp = 2
)

type pendingTransfer struct {
	pad  *Pad
	span dofs.Span
	req  Request
}

// Exchanger wraps one vector of a loop invocation with non-blocking
// start/finish operations for ghost import and compress. One exchanger
// serves one vector for the duration of one loop; the loop driver owns
// it from a single goroutine.
type Exchanger struct {
	transport Transport
	pool      *ScratchPool
	mode      AccessMode

	// ghostsWereSet records that the caller entered the loop with
	// valid ghosts; the loop then neither re-imports nor resets them.
	ghostsWereSet bool

	sends []pendingTransfer
	recvs []pendingTransfer
}

// NewExchanger builds an exchanger over the given transport. A nil
// transport (or a single-rank one) degenerates to no-ops, which keeps
// serial runs free of any communication code path.
func NewExchanger(transport Transport, pool *ScratchPool, mode AccessMode) *Exchanger {
	return &Exchanger{transport: transport, pool: pool, mode: mode}
}

func (e *Exchanger) distributed() bool {
	return e.transport != nil && e.transport.Size() > 1 && e.mode != AccessNone
}

// GhostsWereSet reports whether the vector entered the loop with valid
// ghost values.
func (e *Exchanger) GhostsWereSet() bool { return e.ghostsWereSet }

// GhostUpdateStart issues the non-blocking receives and sends that
// populate the ghost region of v for the configured access mode.
// component selects the message channel when several vectors travel in
// one loop.
func (e *Exchanger) GhostUpdateStart(component int, v *vectors.Vector) {
	if v.GhostsValid {
		e.ghostsWereSet = true
		return
	}
	if !e.distributed() {
		return
	}
	level := e.mode.level()
	tag := component*tagsPerComp + tagGhost
	part := v.Part

	for _, span := range part.Imports(level) {
		pad := e.pool.Acquire(len(span.Positions))
		req := e.transport.IRecv(span.Rank, tag, pad.Data)
		e.recvs = append(e.recvs, pendingTransfer{pad: pad, span: span, req: req})
	}
	for _, span := range part.Exports(level) {
		pad := e.pool.Acquire(len(span.Positions))
		for i, pos := range span.Positions {
			pad.Data[i] = v.Data[pos]
		}
		req := e.transport.ISend(span.Rank, tag, pad.Data)
		e.sends = append(e.sends, pendingTransfer{pad: pad, span: span, req: req})
	}
}

// GhostUpdateFinish blocks until the import completed and scatters the
// received values into the ghost region. Scratch pads are returned on
// every path.
func (e *Exchanger) GhostUpdateFinish(v *vectors.Vector) error {
	if e.ghostsWereSet {
		return nil
	}
	err := e.drain(func(tr pendingTransfer) {
		base := v.LocalSize()
		for i, pos := range tr.span.Positions {
			v.Data[base+pos] = tr.pad.Data[i]
		}
	})
	if err != nil {
		return err
	}
	if e.mode != AccessNone {
		v.GhostsValid = true
	}
	return nil
}

// CompressStart issues the reverse transfers: ghost-region entries
// travel back to their owning ranks for accumulation.
func (e *Exchanger) CompressStart(component int, v *vectors.Vector) {
	if !e.distributed() {
		return
	}
	level := e.mode.level()
	tag := component*tagsPerComp + tagCompress
	part := v.Part

	// owners receive contributions into the owned positions they
	// exported during the ghost update
	for _, span := range part.Exports(level) {
		pad := e.pool.Acquire(len(span.Positions))
		req := e.transport.IRecv(span.Rank, tag, pad.Data)
		e.recvs = append(e.recvs, pendingTransfer{pad: pad, span: span, req: req})
	}
	base := part.LocalSize()
	for _, span := range part.Imports(level) {
		pad := e.pool.Acquire(len(span.Positions))
		for i, pos := range span.Positions {
			pad.Data[i] = v.Data[base+pos]
		}
		req := e.transport.ISend(span.Rank, tag, pad.Data)
		e.sends = append(e.sends, pendingTransfer{pad: pad, span: span, req: req})
	}
}

// CompressFinish blocks until all contributions arrived and accumulates
// them into the owned entries with add semantics: concurrent
// contributions from several ranks to one DoF sum, never overwrite.
// The ghost region is cleared afterwards since its entries have been
// consumed.
func (e *Exchanger) CompressFinish(v *vectors.Vector) error {
	hadTraffic := len(e.recvs) > 0 || len(e.sends) > 0
	err := e.drain(func(tr pendingTransfer) {
		for i, pos := range tr.span.Positions {
			v.Data[pos] += tr.pad.Data[i]
		}
	})
	if err != nil {
		return err
	}
	if hadTraffic {
		v.ZeroOutGhosts()
	}
	return nil
}

// ResetGhostValues restores the vector to its pre-loop ghost state:
// ghosts are cleared unless the caller had them valid on entry, so a
// read-only traversal leaves the caller's view unchanged.
func (e *Exchanger) ResetGhostValues(v *vectors.Vector) {
	if e.ghostsWereSet {
		return
	}
	v.ZeroOutGhosts()
}

// drain waits for every pending transfer, applies consume to completed
// receives and returns pads on all paths.
func (e *Exchanger) drain(consume func(pendingTransfer)) error {
	var firstErr error
	for _, tr := range e.sends {
		if err := tr.req.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.pool.Release(tr.pad)
	}
	for _, tr := range e.recvs {
		err := tr.req.Wait()
		if err == nil {
			consume(tr)
		} else if firstErr == nil {
			firstErr = err
		}
		e.pool.Release(tr.pad)
	}
	e.sends = e.sends[:0]
	e.recvs = e.recvs[:0]
	return firstErr
}
