// Package discovery finds the listening addresses of peers that joined a
// topic. It does not decide membership: anything it returns still has to
// pass the signed handshake.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"
)

var ErrInvalidAddress = errors.New("invalid peer address")

// Peer is a dialable endpoint. ID is empty when only the address is known.
type Peer struct {
	ID   types.PeerID
	Addr string
	// Bootstrap marks entries configured by the operator. The remote side
	// may not know about us, so they are dialed whatever the ID order.
	Bootstrap bool
}

func (p Peer) String() string {
	if p.ID == "" {
		return p.Addr
	}
	return string(p.ID) + "@" + p.Addr
}

// Discovery announces this node under a topic and lists the others
type Discovery interface {
	Register(ctx context.Context, topic auth.Topic, self Peer) error
	Peers(ctx context.Context, topic auth.Topic) ([]Peer, error)
	Close() error
}

// Notifier is implemented by sources that can push registration events, so
// new peers are dialed without waiting for the next refresh.
type Notifier interface {
	Watch(ctx context.Context, topic auth.Topic) <-chan struct{}
}

// ParsePeer parses "<peerid>@host:port" or a bare "host:port"
func ParsePeer(s string) (Peer, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Peer{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	id, addr, found := strings.Cut(s, "@")
	if !found {
		return Peer{Addr: s}, nil
	}

	peerID := types.PeerID(strings.ToLower(id))
	key, err := peerID.Bytes()
	if err != nil || len(key) != 32 {
		return Peer{}, fmt.Errorf("%w: bad peer id in %q", ErrInvalidAddress, s)
	}
	if addr == "" {
		return Peer{}, fmt.Errorf("%w: missing address in %q", ErrInvalidAddress, s)
	}

	return Peer{ID: peerID, Addr: addr}, nil
}

// Multi merges several discovery sources. Registration goes to all of them,
// peers are de-duplicated by address.
type Multi []Discovery

func (m Multi) Register(ctx context.Context, topic auth.Topic, self Peer) error {
	for _, d := range m {
		if err := d.Register(ctx, topic, self); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Peers(ctx context.Context, topic auth.Topic) ([]Peer, error) {
	seen := make(map[string]int)
	var result []Peer
	var lastErr error

	for _, d := range m {
		peers, err := d.Peers(ctx, topic)
		if err != nil {
			lastErr = err
			continue
		}
		for _, p := range peers {
			if i, ok := seen[p.Addr]; ok {
				if result[i].ID == "" {
					result[i].ID = p.ID
				}
				result[i].Bootstrap = result[i].Bootstrap || p.Bootstrap
				continue
			}
			seen[p.Addr] = len(result)
			result = append(result, p)
		}
	}

	if len(result) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return result, nil
}

// Watch fans in the notifications of every source that supports them. The
// returned channel is nil when none does.
func (m Multi) Watch(ctx context.Context, topic auth.Topic) <-chan struct{} {
	var sources []<-chan struct{}
	for _, d := range m {
		if n, ok := d.(Notifier); ok {
			sources = append(sources, n.Watch(ctx, topic))
		}
	}
	if len(sources) == 0 {
		return nil
	}

	out := make(chan struct{}, 1)
	for _, src := range sources {
		go func(src <-chan struct{}) {
			for range src {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}(src)
	}
	return out
}

func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
