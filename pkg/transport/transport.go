// Package transport delivers authenticated, ordered, bidirectional message
// streams between peers that joined the same topic. Membership is decided
// above this layer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"
)

var ErrClosed = errors.New("connection closed")

// Conn is one message stream with a remote peer. Peer is bound to the
// remote identity key by the transport. Send and Recv may be called from
// different goroutines.
type Conn interface {
	Peer() types.PeerID
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport connects this node to the other peers of a topic. Conns is
// never closed; consumers stop on their own context.
type Transport interface {
	Join(ctx context.Context, topic auth.Topic) error
	Conns() <-chan Conn
	Close() error
}

// frame is the unit a stream carries
type frame struct {
	data []byte
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

const inboxSize = 16

// conn adapts a msgStream to Conn. A reader goroutine pumps frames into
// inbox so Recv can honour its context.
type conn struct {
	peer    types.PeerID
	stream  msgStream
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
	sendMu  sync.Mutex
	onClose func()
}

func newConn(peer types.PeerID, stream msgStream, onClose func()) *conn {
	c := &conn{
		peer:    peer,
		stream:  stream,
		inbox:   make(chan []byte, inboxSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop()
	return c
}

func (c *conn) Peer() types.PeerID {
	return c.peer
}

func (c *conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if err := c.stream.SendMsg(&frame{data: data}); err != nil {
		c.Close()
		return fmt.Errorf("failed to send to %s: %w", c.peer.Short(), err)
	}
	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Frames read before the close are still delivered
		select {
		case data := <-c.inbox:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Done is closed once the connection is closed
func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) readLoop() {
	for {
		var f frame
		if err := c.stream.RecvMsg(&f); err != nil {
			c.Close()
			return
		}
		select {
		case c.inbox <- f.data:
		case <-c.done:
			return
		}
	}
}
