// Package session runs the membership handshake and the config sync
// protocol over one transport connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"sshsync/pkg/auth"
	"sshsync/pkg/metrics"
	"sshsync/pkg/protocol"
	"sshsync/pkg/transport"
	"sshsync/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRejected  = errors.New("peer failed the membership handshake")
	ErrQueueFull = errors.New("send queue full")
	// ErrStorage marks failures to persist membership or write the config.
	// They are fatal for the node, unlike every other session error.
	ErrStorage = errors.New("storage failure")
)

// DefaultQueueSize bounds the outbound messages buffered per connection
const DefaultQueueSize = 32

// Membership is the group view a session needs
type Membership interface {
	IsMember(peer types.PeerID) bool
	AddMember(peer types.PeerID) (bool, error)
	Access() auth.KeyPair
}

// State is the node's config, shared by every session
type State interface {
	Local() types.ConfigState
	// ApplyRemote adopts a pushed config if it is strictly newer than the
	// local one and reports whether it did.
	ApplyRemote(state types.ConfigState) (bool, error)
}

// Phase is the handshake state of a session
type Phase int32

const (
	PhaseUnknown Phase = iota
	PhaseChallenged
	PhaseVerified
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseChallenged:
		return "challenged"
	case PhaseVerified:
		return "verified"
	case PhaseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config tunes a session
type Config struct {
	QueueSize int
}

// Session owns one connection. Run consumes the inbound stream in order,
// while outbound messages go through a bounded queue drained by a writer
// goroutine.
type Session struct {
	conn    transport.Conn
	members Membership
	state   State
	logger  *zap.Logger
	metrics *metrics.Metrics

	phase atomic.Int32
	// sentHello is only touched by the Run goroutine
	sentHello bool

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session; nothing is sent before Run
func New(conn transport.Conn, members Membership, state State, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &Session{
		conn:    conn,
		members: members,
		state:   state,
		logger:  logger.With(zap.String("peer", conn.Peer().Short())),
		metrics: m,
		queue:   make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Peer returns the transport-verified identity of the remote side
func (s *Session) Peer() types.PeerID {
	return s.conn.Peer()
}

// Phase returns the current handshake state
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Verified reports whether the peer is an admitted member
func (s *Session) Verified() bool {
	return s.Phase() == PhaseVerified
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until the connection ends. A clean close returns
// nil; ErrRejected, protocol.ErrMalformed and ErrStorage are reported.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.writeLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		if err := s.start(); err != nil {
			return err
		}
		return s.readLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Send queues a message. A full queue means the peer stopped reading; the
// connection is closed rather than blocking the caller.
func (s *Session) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}

	select {
	case s.queue <- data:
		return nil
	default:
		s.metrics.QueueOverflows.Inc()
		s.logger.Warn("Send queue full, dropping connection", zap.Stringer("kind", msg.Kind))
		s.Close()
		return ErrQueueFull
	}
}

// Close terminates the connection; Run returns shortly after
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Recv(ctx)
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.metrics.MalformedMessages.Inc()
			s.logger.Warn("Closing connection after malformed message", zap.Error(err))
			return err
		}

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case data := <-s.queue:
			if err := s.conn.Send(ctx, data); err != nil {
				return err
			}
		case <-s.done:
			return transport.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handle(msg protocol.Message) error {
	switch s.Phase() {
	case PhaseChallenged:
		return s.handleChallenged(msg)
	case PhaseVerified:
		return s.handleVerified(msg)
	default:
		return nil
	}
}
