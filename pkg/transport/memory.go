package transport

import (
	"context"
	"io"
	"sync"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"
)

// Network is an in-process switchboard. Every pair of transports that joined
// a common topic gets exactly one connection.
type Network struct {
	mu      sync.Mutex
	members map[auth.Topic]map[types.PeerID]*Memory
	links   map[linkKey]*pipe
}

type linkKey struct {
	a, b types.PeerID
}

func newLinkKey(x, y types.PeerID) linkKey {
	if x > y {
		x, y = y, x
	}
	return linkKey{a: x, b: y}
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		members: make(map[auth.Topic]map[types.PeerID]*Memory),
		links:   make(map[linkKey]*pipe),
	}
}

// Transport attaches a new endpoint with the given identity
func (n *Network) Transport(self types.PeerID) *Memory {
	return &Memory{
		network: n,
		self:    self,
		conns:   make(chan Conn, inboxSize),
		done:    make(chan struct{}),
	}
}

// Links reports the number of open connections, for tests
func (n *Network) Links() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.links)
}

// Memory is a Transport endpoint on a Network
type Memory struct {
	network *Network
	self    types.PeerID
	conns   chan Conn
	done    chan struct{}
	once    sync.Once
}

func (m *Memory) Join(ctx context.Context, topic auth.Topic) error {
	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()

	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	members, ok := n.members[topic]
	if !ok {
		members = make(map[types.PeerID]*Memory)
		n.members[topic] = members
	}

	for id, other := range members {
		if id == m.self {
			continue
		}
		key := newLinkKey(m.self, id)
		if _, linked := n.links[key]; linked {
			continue
		}

		p := newPipe()
		n.links[key] = p
		unlink := func() { n.unlink(key, p) }

		m.deliver(newConn(id, p.end(0), unlink))
		other.deliver(newConn(m.self, p.end(1), unlink))
	}
	members[m.self] = m

	return nil
}

func (m *Memory) Conns() <-chan Conn {
	return m.conns
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)

		n := m.network
		n.mu.Lock()
		var pipes []*pipe
		for _, members := range n.members {
			if members[m.self] == m {
				delete(members, m.self)
			}
		}
		for key, p := range n.links {
			if key.a == m.self || key.b == m.self {
				pipes = append(pipes, p)
				delete(n.links, key)
			}
		}
		n.mu.Unlock()

		for _, p := range pipes {
			p.close()
		}
	})
	return nil
}

func (m *Memory) deliver(c *conn) {
	go func() {
		select {
		case m.conns <- c:
		case <-m.done:
			c.Close()
		}
	}()
}

func (n *Network) unlink(key linkKey, p *pipe) {
	p.close()

	n.mu.Lock()
	if n.links[key] == p {
		delete(n.links, key)
	}
	n.mu.Unlock()
}

// pipe is a pair of buffered channels shared by two conns
type pipe struct {
	queues [2]chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPipe() *pipe {
	return &pipe{
		queues: [2]chan []byte{make(chan []byte, inboxSize), make(chan []byte, inboxSize)},
		done:   make(chan struct{}),
	}
}

func (p *pipe) end(side int) pipeEnd {
	return pipeEnd{p: p, in: p.queues[side], out: p.queues[1-side]}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeEnd struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

func (e pipeEnd) SendMsg(m any) error {
	f := m.(*frame)
	data := append([]byte(nil), f.data...)
	select {
	case <-e.p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.out <- data:
		return nil
	case <-e.p.done:
		return io.ErrClosedPipe
	}
}

func (e pipeEnd) RecvMsg(m any) error {
	f := m.(*frame)
	select {
	case f.data = <-e.in:
		return nil
	default:
	}
	select {
	case f.data = <-e.in:
		return nil
	case <-e.p.done:
		select {
		case f.data = <-e.in:
			return nil
		default:
			return io.EOF
		}
	}
}
