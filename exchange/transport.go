// Package exchange coordinates the non-blocking ghost-data traffic of
// distributed vectors: importing ghost values before reads, and
// compressing (accumulating) remote contributions into owned entries
// after writes, overlapped with local batch computation.
package exchange

import (
	"fmt"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("matfree")

// Request is a pending non-blocking transfer. Wait blocks until the
// transfer completed and reports transport failures.
type Request interface {
	Wait() error
}

// Transport moves float64 payloads between ranks. Implementations must
// deliver messages between a (sender, receiver, tag) triple in order;
// the engine relies on a reliable transport and has no retry logic.
type Transport interface {
	Rank() int
	Size() int

	// ISend starts sending data to rank dst. The data slice is copied
	// or retained until the request completes; the caller must not
	// modify it before Wait returns.
	ISend(dst, tag int, data []float64) Request

	// IRecv starts receiving exactly len(buf) values from rank src.
	IRecv(src, tag int, buf []float64) Request
}

type chanKey struct {
	src, dst, tag int
}

// localGroup connects in-process transports through buffered channels,
// standing in for a message-passing runtime in tests and single-node
// multi-rank runs.
type localGroup struct {
	mu    sync.Mutex
	chans map[chanKey]chan []float64
}

func (g *localGroup) channel(src, dst, tag int) chan []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := chanKey{src, dst, tag}
	ch, ok := g.chans[k]
	if !ok {
		ch = make(chan []float64, 16)
		g.chans[k] = ch
	}
	return ch
}

// NewLocalGroup returns n connected in-process transports, one per
// rank.
func NewLocalGroup(n int) []Transport {
	g := &localGroup{chans: make(map[chanKey]chan []float64)}
	ts := make([]Transport, n)
	for r := 0; r < n; r++ {
		ts[r] = &localTransport{group: g, rank: r, size: n}
	}
	return ts
}

type localTransport struct {
	group *localGroup
	rank  int
	size  int
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return t.size }

func (t *localTransport) ISend(dst, tag int, data []float64) Request {
	if dst < 0 || dst >= t.size {
		return errRequest{fmt.Errorf("send to invalid rank %d of %d", dst, t.size)}
	}
	cp := append([]float64(nil), data...)
	ch := t.group.channel(t.rank, dst, tag)
	done := make(chan struct{})
	go func() {
		ch <- cp
		close(done)
	}()
	return waitRequest{done}
}

func (t *localTransport) IRecv(src, tag int, buf []float64) Request {
	if src < 0 || src >= t.size {
		return errRequest{fmt.Errorf("receive from invalid rank %d of %d", src, t.size)}
	}
	return &localRecv{ch: t.group.channel(src, t.rank, tag), buf: buf}
}

type waitRequest struct {
	done chan struct{}
}

func (r waitRequest) Wait() error {
	<-r.done
	return nil
}

type errRequest struct {
	err error
}

func (r errRequest) Wait() error { return r.err }

type localRecv struct {
	ch  chan []float64
	buf []float64
}

func (r *localRecv) Wait() error {
	msg := <-r.ch
	if len(msg) != len(r.buf) {
		return fmt.Errorf("received %d values, expected %d", len(msg), len(r.buf))
	}
	copy(r.buf, msg)
	return nil
}
