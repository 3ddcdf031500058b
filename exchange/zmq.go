package exchange

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	zmq "github.com/pebbe/zmq4"
)

const zmqHeaderSize = 16 // 8 bytes source rank, 8 bytes tag

// ZMQTransport runs the ghost exchange over ZeroMQ PUSH/PULL sockets,
// one process per rank. Each rank binds a PULL socket on its own
// endpoint and connects a PUSH socket to every peer. All ranks must be
// constructed with the same endpoint list.
type ZMQTransport struct {
	rank int
	size int

	push   []*zmq.Socket
	sendMu []sync.Mutex // PUSH sockets are not safe for concurrent sends
	pull   *zmq.Socket

	mu     sync.Mutex
	inbox  map[chanKey]*inboxQueue
	closed chan struct{}
}

// inboxQueue buffers decoded frames for one (source, tag) pair without
// bounding the producer: the single receive loop must never block on a
// slow consumer, or delivery for every other peer and tag stalls
// behind it. Messages stay in arrival order.
type inboxQueue struct {
	mu    sync.Mutex
	msgs  [][]float64
	ready chan struct{}
}

func newInboxQueue() *inboxQueue {
	return &inboxQueue{ready: make(chan struct{}, 1)}
}

func (q *inboxQueue) push(msg []float64) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inboxQueue) pop() []float64 {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return msg
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// NewZMQTransport connects rank to the group described by endpoints,
// e.g. "tcp://10.0.0.1:7501" per rank. The receive loop runs until
// Close.
func NewZMQTransport(rank int, endpoints []string, hwm int) (*ZMQTransport, error) {
	if rank < 0 || rank >= len(endpoints) {
		return nil, fmt.Errorf("rank %d outside endpoint list of length %d", rank, len(endpoints))
	}

	pull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return nil, err
	}
	pull.SetRcvhwm(hwm)
	pull.SetLinger(0)
	if err = pull.Bind(endpoints[rank]); err != nil {
		pull.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoints[rank], err)
	}

	t := &ZMQTransport{
		rank:   rank,
		size:   len(endpoints),
		push:   make([]*zmq.Socket, len(endpoints)),
		sendMu: make([]sync.Mutex, len(endpoints)),
		pull:   pull,
		inbox:  make(map[chanKey]*inboxQueue),
		closed: make(chan struct{}),
	}
	for peer, ep := range endpoints {
		if peer == rank {
			continue
		}
		s, err := zmq.NewSocket(zmq.PUSH)
		if err != nil {
			t.Close()
			return nil, err
		}
		s.SetSndhwm(hwm)
		s.SetLinger(0)
		if err = s.Connect(ep); err != nil {
			s.Close()
			t.Close()
			return nil, fmt.Errorf("connect %s: %w", ep, err)
		}
		t.push[peer] = s
	}

	go t.receiveLoop()
	return t, nil
}

func (t *ZMQTransport) Rank() int { return t.rank }
func (t *ZMQTransport) Size() int { return t.size }

func (t *ZMQTransport) queue(src, tag int) *inboxQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := chanKey{src: src, dst: t.rank, tag: tag}
	q, ok := t.inbox[k]
	if !ok {
		q = newInboxQueue()
		t.inbox[k] = q
	}
	return q
}

func (t *ZMQTransport) receiveLoop() {
	for {
		raw, err := t.pull.RecvBytes(0)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			log.Warningf("zmq receive: %s", err)
			return
		}
		if len(raw) < zmqHeaderSize || (len(raw)-zmqHeaderSize)%8 != 0 {
			log.Warningf("zmq receive: malformed frame of %d bytes", len(raw))
			continue
		}
		src := int(binary.LittleEndian.Uint64(raw))
		tag := int(binary.LittleEndian.Uint64(raw[8:]))
		payload := make([]float64, (len(raw)-zmqHeaderSize)/8)
		for i := range payload {
			payload[i] = math.Float64frombits(
				binary.LittleEndian.Uint64(raw[zmqHeaderSize+8*i:]))
		}
		t.queue(src, tag).push(payload)
	}
}

func (t *ZMQTransport) ISend(dst, tag int, data []float64) Request {
	if dst < 0 || dst >= t.size || dst == t.rank {
		return errRequest{fmt.Errorf("send to invalid rank %d of %d", dst, t.size)}
	}
	frame := make([]byte, zmqHeaderSize+8*len(data))
	binary.LittleEndian.PutUint64(frame, uint64(t.rank))
	binary.LittleEndian.PutUint64(frame[8:], uint64(tag))
	for i, x := range data {
		binary.LittleEndian.PutUint64(frame[zmqHeaderSize+8*i:], math.Float64bits(x))
	}
	done := make(chan struct{})
	req := &zmqSend{done: done}
	go func() {
		t.sendMu[dst].Lock()
		_, err := t.push[dst].SendBytes(frame, 0)
		t.sendMu[dst].Unlock()
		req.err = err
		close(done)
	}()
	return req
}

func (t *ZMQTransport) IRecv(src, tag int, buf []float64) Request {
	if src < 0 || src >= t.size || src == t.rank {
		return errRequest{fmt.Errorf("receive from invalid rank %d of %d", src, t.size)}
	}
	return &zmqRecv{q: t.queue(src, tag), buf: buf}
}

// Close tears the sockets down. Pending requests fail.
func (t *ZMQTransport) Close() {
	select {
	case <-t.closed:
		return
	default:
		close(t.closed)
	}
	t.pull.Close()
	for _, s := range t.push {
		if s != nil {
			s.Close()
		}
	}
}

type zmqSend struct {
	done chan struct{}
	err  error
}

func (r *zmqSend) Wait() error {
	<-r.done
	return r.err
}

type zmqRecv struct {
	q   *inboxQueue
	buf []float64
}

func (r *zmqRecv) Wait() error {
	msg := r.q.pop()
	if len(msg) != len(r.buf) {
		return fmt.Errorf("received %d values, expected %d", len(msg), len(r.buf))
	}
	copy(r.buf, msg)
	return nil
}
