package auth

import (
	"crypto/tls"
	"testing"

	"sshsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCertificate(t *testing.T) {
	identity, err := GenerateKeyPair()
	require.NoError(t, err)

	cert, err := IdentityCertificate(identity)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	peerID, err := PeerIDFromCertificate(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, types.PeerIDFromKey(identity.Public), peerID)
}

// handshake runs a TLS handshake over loopback TCP and returns the identity
// each side observed.
func handshake(t *testing.T, server, client *tls.Config) (types.PeerID, types.PeerID, error) {
	t.Helper()

	lis, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer lis.Close()

	type result struct {
		id  types.PeerID
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			serverCh <- result{err: err}
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.Handshake(); err != nil {
			serverCh <- result{err: err}
			return
		}
		id, err := PeerIDFromConnectionState(tlsConn.ConnectionState())
		serverCh <- result{id: id, err: err}
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), client)
	if err != nil {
		<-serverCh
		return "", "", err
	}
	defer conn.Close()

	seenByClient, err := PeerIDFromConnectionState(conn.ConnectionState())
	require.NoError(t, err)

	res := <-serverCh
	if res.err != nil {
		return "", "", res.err
	}
	return res.id, seenByClient, nil
}

func TestTLSConfig_MutualIdentity(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceTLS, err := NewTLSConfigBuilder(alice)
	require.NoError(t, err)
	bobTLS, err := NewTLSConfigBuilder(bob)
	require.NoError(t, err)

	aliceID := types.PeerIDFromKey(alice.Public)
	bobID := types.PeerIDFromKey(bob.Public)

	seenByBob, seenByAlice, err := handshake(t, bobTLS.BuildServerConfig(), aliceTLS.BuildClientConfig(bobID))
	require.NoError(t, err)
	assert.Equal(t, aliceID, seenByBob)
	assert.Equal(t, bobID, seenByAlice)
}

func TestTLSConfig_PinMismatch(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	mallory, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceTLS, err := NewTLSConfigBuilder(alice)
	require.NoError(t, err)
	malloryTLS, err := NewTLSConfigBuilder(mallory)
	require.NoError(t, err)

	_, _, err = handshake(t, malloryTLS.BuildServerConfig(), aliceTLS.BuildClientConfig(types.PeerIDFromKey(bob.Public)))
	assert.Error(t, err)
}

func TestTLSConfig_ObservesUnpinnedPeer(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceTLS, err := NewTLSConfigBuilder(alice)
	require.NoError(t, err)
	bobTLS, err := NewTLSConfigBuilder(bob)
	require.NoError(t, err)

	var observed types.PeerID
	clientConfig := aliceTLS.BuildObservedClientConfig("", func(id types.PeerID) { observed = id })

	_, _, err = handshake(t, bobTLS.BuildServerConfig(), clientConfig)
	require.NoError(t, err)
	assert.Equal(t, types.PeerIDFromKey(bob.Public), observed)
}
