package discovery

import (
	"context"
	"strings"
	"testing"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

var testID = types.PeerID(strings.Repeat("ab", 32))

func TestParsePeer(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Peer
		wantErr bool
	}{
		{name: "bare address", input: "10.0.0.1:7946", want: Peer{Addr: "10.0.0.1:7946"}},
		{name: "with id", input: string(testID) + "@host:1", want: Peer{ID: testID, Addr: "host:1"}},
		{name: "uppercase id", input: strings.ToUpper(string(testID)) + "@host:1", want: Peer{ID: testID, Addr: "host:1"}},
		{name: "trims space", input: "  host:1 ", want: Peer{Addr: "host:1"}},
		{name: "empty", input: "", wantErr: true},
		{name: "short id", input: "abcd@host:1", wantErr: true},
		{name: "missing address", input: string(testID) + "@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeer(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatic(t *testing.T) {
	s, err := NewStatic([]string{"a:1", string(testID) + "@b:2"})
	require.NoError(t, err)

	peers, err := s.Peers(context.Background(), auth.Topic{})
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{Addr: "a:1", Bootstrap: true},
		{ID: testID, Addr: "b:2", Bootstrap: true},
	}, peers)

	_, err = NewStatic([]string{"bad@"})
	assert.Error(t, err)
}

func TestMulti_MergesByAddress(t *testing.T) {
	bare, err := NewStatic([]string{"b:2", "c:3"})
	require.NoError(t, err)
	named, err := NewStatic([]string{string(testID) + "@b:2"})
	require.NoError(t, err)

	peers, err := Multi{bare, named}.Peers(context.Background(), auth.Topic{})
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: testID, Addr: "b:2", Bootstrap: true},
		{Addr: "c:3", Bootstrap: true},
	}, peers)

	assert.Nil(t, Multi{bare}.Watch(context.Background(), auth.Topic{}))
}

// registered stands in for a rendezvous source whose entries are symmetric
type registered []Peer

func (r registered) Register(context.Context, auth.Topic, Peer) error { return nil }

func (r registered) Peers(context.Context, auth.Topic) ([]Peer, error) { return r, nil }

func (r registered) Close() error { return nil }

func TestMulti_KeepsBootstrapMark(t *testing.T) {
	bootstrap, err := NewStatic([]string{"b:2"})
	require.NoError(t, err)
	rendezvous := registered{{ID: testID, Addr: "b:2"}, {ID: testID, Addr: "d:4"}}

	peers, err := Multi{rendezvous, bootstrap}.Peers(context.Background(), auth.Topic{})
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: testID, Addr: "b:2", Bootstrap: true},
		{ID: testID, Addr: "d:4"},
	}, peers)
}

func TestPeersFromKVs(t *testing.T) {
	var topic auth.Topic
	topic[0] = 0x42
	prefix := topicPrefix(topic)

	assert.Equal(t, prefix+string(testID), peerKey(topic, testID))
	assert.True(t, strings.HasPrefix(prefix, "/sshsync/topics/42"))

	kvs := []*mvccpb.KeyValue{
		{Key: []byte(peerKey(topic, testID)), Value: []byte("10.0.0.1:7946")},
		{Key: []byte(prefix + "nested/key"), Value: []byte("x")},
		{Key: []byte(prefix + "noaddr"), Value: nil},
	}

	assert.Equal(t, []Peer{{ID: testID, Addr: "10.0.0.1:7946"}}, peersFromKVs(prefix, kvs))
}
