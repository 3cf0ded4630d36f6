package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sshsync/pkg/group"
	"sshsync/pkg/metrics"
	"sshsync/pkg/protocol"
	"sshsync/pkg/session"
	"sshsync/pkg/sshconfig"
	"sshsync/pkg/transport"
	"sshsync/pkg/types"
	"sshsync/pkg/watcher"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config tunes a node
type Config struct {
	// QueueSize bounds the outbound messages buffered per connection
	QueueSize int
}

// Node keeps the local config file in sync with the rest of the group. It
// owns the in-memory ConfigState, the watcher and every live session.
type Node struct {
	cfg       Config
	store     *group.Store
	file      *sshconfig.File
	watcher   *watcher.Watcher
	transport transport.Transport
	conns     *ConnectionManager
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// stateMu serializes every read-modify-write of state together with
	// the file write and watcher suspension that go with it
	stateMu sync.Mutex
	state   types.ConfigState
}

// New wires a node. The store must have been prepared.
func New(cfg Config, store *group.Store, file *sshconfig.File, tr transport.Transport, logger *zap.Logger, m *metrics.Metrics) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Node{
		cfg:       cfg,
		store:     store,
		file:      file,
		watcher:   watcher.New(file, logger.Named("watcher")),
		transport: tr,
		conns:     NewConnectionManager(m),
		logger:    logger,
		metrics:   m,
	}
}

// Prepare completes the group file and makes sure the target file exists.
// After a secret rotation the target file is stamped with the epoch so the
// new group's copy wins.
func Prepare(store *group.Store, file *sshconfig.File) error {
	err := store.Prepare(func() error {
		if _, err := file.Ensure(store.UserName()); err != nil {
			return err
		}
		return file.ResetMtime()
	})
	if err != nil {
		return err
	}

	if _, err := file.Ensure(store.UserName()); err != nil {
		return fmt.Errorf("failed to prepare config file: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled or a storage failure occurs
func (n *Node) Run(ctx context.Context) error {
	state, err := n.file.Read()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	n.stateMu.Lock()
	n.state = state
	n.stateMu.Unlock()

	n.metrics.Members.Set(float64(len(n.store.Members())))
	n.metrics.LastSync.Set(float64(state.Mtime.Unix()))

	if err := n.watcher.StartFrom(state.Mtime); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer n.watcher.Stop()

	topic := n.store.Topic()
	if err := n.transport.Join(ctx, topic); err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}

	n.logger.Info("Node started",
		zap.String("peer_id", string(n.store.Self())),
		zap.String("topic", topic.String()),
		zap.String("config", n.file.Path()),
		zap.Int("members", len(n.store.Members())))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.acceptLoop(ctx, g)
	})
	g.Go(func() error {
		return n.localLoop(ctx)
	})

	err = g.Wait()
	n.conns.CloseAll()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Local returns the current ConfigState
func (n *Node) Local() types.ConfigState {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

// ApplyRemote adopts a pushed config if it is strictly newer. The watcher is
// stopped while the file is written so the write is not mistaken for an
// edit, and the file is stamped with the pushed mtime so every peer ends up
// with an identical (content, mtime) pair.
func (n *Node) ApplyRemote(state types.ConfigState) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if !state.NewerThan(n.state.Mtime) {
		return false, nil
	}
	// A local edit the watcher has not reported yet also counts
	if onDisk, err := n.file.Mtime(); err == nil && !state.NewerThan(onDisk) {
		return false, nil
	}

	if err := n.watcher.Suspend(func() error { return n.file.Write(state) }); err != nil {
		return false, err
	}

	n.state = state
	n.metrics.LastSync.Set(float64(state.Mtime.Unix()))
	return true, nil
}

// Broadcast sends msg to every verified peer
func (n *Node) Broadcast(msg protocol.Message) int {
	sent := 0
	for _, s := range n.conns.Verified() {
		if err := s.Send(msg); err != nil {
			n.logger.Debug("Failed to queue broadcast", zap.String("peer", s.Peer().Short()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Connections exposes the live sessions
func (n *Node) Connections() *ConnectionManager {
	return n.conns
}

func (n *Node) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-n.transport.Conns():
			s := session.New(conn, n.store, n, session.Config{QueueSize: n.cfg.QueueSize}, n.logger.Named("session"), n.metrics)
			n.conns.Add(s)

			g.Go(func() error {
				defer n.conns.Remove(s)
				return n.serve(ctx, s)
			})
		}
	}
}

func (n *Node) serve(ctx context.Context, s *session.Session) error {
	err := s.Run(ctx)
	switch {
	case err == nil:
		n.logger.Debug("Connection closed", zap.String("peer", s.Peer().Short()))
		return nil
	case errors.Is(err, session.ErrStorage):
		n.logger.Error("Storage failure, shutting down", zap.String("peer", s.Peer().Short()), zap.Error(err))
		return err
	default:
		n.logger.Info("Connection dropped", zap.String("peer", s.Peer().Short()), zap.Error(err))
		return nil
	}
}

func (n *Node) localLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-n.watcher.Changes():
			n.handleLocalChange(state)
		}
	}
}

// handleLocalChange broadcasts an edit of the local file. Changes that are
// not strictly newer than the current state are stale notifications, for
// example from just before a remote config was applied.
func (n *Node) handleLocalChange(state types.ConfigState) {
	n.stateMu.Lock()
	if !state.NewerThan(n.state.Mtime) {
		n.stateMu.Unlock()
		n.logger.Debug("Ignoring stale local change", zap.Time("mtime", state.Mtime))
		return
	}
	n.state = state
	n.stateMu.Unlock()

	n.metrics.LocalChanges.Inc()
	n.metrics.LastSync.Set(float64(state.Mtime.Unix()))

	sent := n.Broadcast(protocol.SSH(state))
	n.metrics.ConfigsSent.Add(float64(sent))

	n.logger.Info("Broadcast local change",
		zap.Time("mtime", state.Mtime),
		zap.Int("peers", sent))
}
