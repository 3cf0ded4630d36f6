package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	keyPrefix = "/sshsync/topics/"

	DefaultLeaseTTL = 30 * time.Second
)

// Etcd is a rendezvous registry. Each node keeps a leased key
// /sshsync/topics/<topic>/<peerid> holding its address, so crashed nodes
// disappear after the lease TTL.
type Etcd struct {
	cli    *clientv3.Client
	ttl    time.Duration
	logger *zap.Logger
	owned  bool

	mu     sync.Mutex
	leases []clientv3.LeaseID
	cancel []context.CancelFunc
}

// NewEtcd connects to the given endpoints
func NewEtcd(endpoints []string, ttl time.Duration, logger *zap.Logger) (*Etcd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	e := NewEtcdFromClient(cli, ttl, logger)
	e.owned = true
	return e, nil
}

// NewEtcdFromClient wraps an existing client, which the caller keeps owning
func NewEtcdFromClient(cli *clientv3.Client, ttl time.Duration, logger *zap.Logger) *Etcd {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Etcd{cli: cli, ttl: ttl, logger: logger}
}

func topicPrefix(topic auth.Topic) string {
	return keyPrefix + topic.String() + "/"
}

func peerKey(topic auth.Topic, id types.PeerID) string {
	return topicPrefix(topic) + string(id)
}

// Register announces self under topic and keeps the lease alive until Close
func (e *Etcd) Register(ctx context.Context, topic auth.Topic, self Peer) error {
	if self.ID == "" || self.Addr == "" {
		return fmt.Errorf("%w: etcd registration needs id and address", ErrInvalidAddress)
	}

	lease, err := e.cli.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	if _, err := e.cli.Put(ctx, peerKey(topic, self.ID), self.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	responses, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	e.mu.Lock()
	e.leases = append(e.leases, lease.ID)
	e.cancel = append(e.cancel, cancel)
	e.mu.Unlock()

	go func() {
		for range responses {
		}
		if kaCtx.Err() == nil {
			e.logger.Warn("Etcd lease keepalive stopped", zap.String("topic", topic.String()))
		}
	}()

	e.logger.Info("Registered with etcd",
		zap.String("topic", topic.String()),
		zap.String("addr", self.Addr))

	return nil
}

// Peers lists every registration under topic
func (e *Etcd) Peers(ctx context.Context, topic auth.Topic) ([]Peer, error) {
	prefix := topicPrefix(topic)
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return peersFromKVs(prefix, resp.Kvs), nil
}

// Watch signals whenever a peer registers under topic
func (e *Etcd) Watch(ctx context.Context, topic auth.Topic) <-chan struct{} {
	out := make(chan struct{}, 1)
	wch := e.cli.Watch(ctx, topicPrefix(topic), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.logger.Warn("Etcd watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}

// Close revokes registrations so peers forget us immediately
func (e *Etcd) Close() error {
	e.mu.Lock()
	leases, cancels := e.leases, e.cancel
	e.leases, e.cancel = nil, nil
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range leases {
		if _, err := e.cli.Revoke(ctx, id); err != nil {
			e.logger.Debug("Failed to revoke lease", zap.Error(err))
		}
	}

	if e.owned {
		return e.cli.Close()
	}
	return nil
}

func peersFromKVs(prefix string, kvs []*mvccpb.KeyValue) []Peer {
	peers := make([]Peer, 0, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		if id == "" || strings.Contains(id, "/") || len(kv.Value) == 0 {
			continue
		}
		peers = append(peers, Peer{ID: types.PeerID(id), Addr: string(kv.Value)})
	}
	return peers
}
