package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func readDisk(t *testing.T, path string) File {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f File
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestOpen_CreatesOwnerOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "swarm.json")

	openTestStore(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestPrepare_MissingUserName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)

	rotated := false
	err := s.Prepare(func() error { rotated = true; return nil })
	assert.ErrorIs(t, err, ErrNoUserName)
	assert.False(t, rotated, "rotation must wait until userName is set")

	// Credentials are still generated and persisted for the operator
	disk := readDisk(t, path)
	assert.NotEmpty(t, disk.KeyPair.PublicKey)
	assert.NotEmpty(t, disk.SharedSecret)
	assert.NotEmpty(t, disk.Topic)
	assert.Empty(t, disk.PreviousSharedSecret)
}

func TestPrepare_FirstRunAndRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)
	require.NoError(t, s.SetUserName("alice"))

	rotations := 0
	onRotate := func() error { rotations++; return nil }

	require.NoError(t, s.Prepare(onRotate))
	assert.Equal(t, 1, rotations)

	disk := readDisk(t, path)
	assert.Equal(t, disk.SharedSecret, disk.PreviousSharedSecret)
	assert.Equal(t, s.Topic().String(), disk.Topic)
	assert.Equal(t, s.Access().PublicHex(), disk.SharedKeyPair.PublicKey)

	identity := s.Identity()
	topic := s.Topic()

	restarted := openTestStore(t, path)
	require.NoError(t, restarted.Prepare(onRotate))
	assert.Equal(t, 1, rotations, "unchanged secret must not rotate again")
	assert.Equal(t, identity.Public, restarted.Identity().Public)
	assert.Equal(t, topic, restarted.Topic())
}

func TestPrepare_SecretRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)
	require.NoError(t, s.SetUserName("root"))
	require.NoError(t, s.Prepare(nil))

	peer := types.PeerID("aa11")
	_, err := s.AddMember(peer)
	require.NoError(t, err)
	oldTopic := s.Topic()

	secret, err := auth.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, s.SetSharedSecret(secret))

	rotated := false
	require.NoError(t, s.Prepare(func() error { rotated = true; return nil }))
	assert.True(t, rotated)
	assert.NotEqual(t, oldTopic, s.Topic())

	_, wantTopic := auth.DeriveAccess(secret)
	assert.Equal(t, wantTopic, s.Topic())

	// Admitted members survive a rotation
	assert.True(t, s.IsMember(peer))
}

func TestPrepare_FailedRotationIsRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)
	require.NoError(t, s.SetUserName("alice"))

	err := s.Prepare(func() error { return errors.New("disk full") })
	require.Error(t, err)
	assert.Empty(t, readDisk(t, path).PreviousSharedSecret)

	rotated := false
	require.NoError(t, openTestStore(t, path).Prepare(func() error { rotated = true; return nil }))
	assert.True(t, rotated)
}

func TestPrepare_InvalidSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"userName":"alice","sharedSecret":"xyz"}`), 0600))

	err := openTestStore(t, path).Prepare(nil)
	assert.ErrorIs(t, err, auth.ErrInvalidSecret)
}

func TestAddMember_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)

	peer := types.PeerID("0123abcd")
	assert.False(t, s.IsMember(peer))

	added, err := s.AddMember(peer)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddMember(peer)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []types.PeerID{peer}, s.Members())
	assert.Equal(t, []string{string(peer)}, readDisk(t, path).RemotePublicKeys)

	// Membership survives a restart
	assert.True(t, openTestStore(t, path).IsMember(peer))
}

func TestAddMember_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)

	const peers = 40
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every peer says hello twice
			for j := 0; j < 2; j++ {
				_, err := s.AddMember(types.PeerID(fmt.Sprintf("peer-%02d", i)))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Members(), peers)
	assert.Len(t, readDisk(t, path).RemotePublicKeys, peers)
}

func TestAddMember_PersistFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	dir := filepath.Join(t.TempDir(), "group")
	path := filepath.Join(dir, "swarm.json")
	s := openTestStore(t, path)

	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	_, err := s.AddMember("peer")
	assert.Error(t, err)
	assert.False(t, s.IsMember("peer"))
}

func TestInfo_ReflectsRotationState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	s := openTestStore(t, path)
	require.NoError(t, s.SetUserName("alice"))

	info := s.Info()
	assert.Equal(t, "alice", info.UserName)
	assert.Empty(t, info.PeerID)
	assert.Empty(t, info.Members)

	require.NoError(t, s.Prepare(nil))
	_, err := s.AddMember(types.PeerID("cd"))
	require.NoError(t, err)

	info = s.Info()
	assert.Equal(t, s.Self(), info.PeerID)
	assert.Equal(t, s.Topic().String(), info.Topic)
	assert.False(t, info.RotationPending)
	assert.Equal(t, []types.PeerID{"cd"}, info.Members)

	secret, err := auth.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, s.SetSharedSecret(secret))
	assert.True(t, s.Info().RotationPending)
}

func TestStore_KeepsEditsFromAnotherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")

	daemon := openTestStore(t, path)
	require.NoError(t, daemon.SetUserName("alice"))
	require.NoError(t, daemon.Prepare(nil))
	before := daemon.SharedSecret()

	// The CLI rotates the secret while the daemon keeps running
	cli := openTestStore(t, path)
	rotated, err := auth.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, cli.SetSharedSecret(rotated))

	added, err := daemon.AddMember(types.PeerID("ab"))
	require.NoError(t, err)
	assert.True(t, added)

	disk := readDisk(t, path)
	assert.Equal(t, rotated.String(), disk.SharedSecret)
	assert.Equal(t, before, disk.PreviousSharedSecret)
	assert.Equal(t, []string{"ab"}, disk.RemotePublicKeys)
	assert.Equal(t, "alice", disk.UserName)

	// The daemon's view follows the file; its derived topic does not change
	// until the next Prepare
	assert.Equal(t, rotated.String(), daemon.SharedSecret())
	assert.True(t, daemon.Info().RotationPending)

	reopened := openTestStore(t, path)
	oldTopic := daemon.Topic()
	require.NoError(t, reopened.Prepare(nil))
	assert.NotEqual(t, oldTopic, reopened.Topic())
	assert.True(t, reopened.IsMember("ab"))
	assert.Equal(t, daemon.Self(), reopened.Self())
}

func TestAddMember_TwoStoresUnion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	a := openTestStore(t, path)
	b := openTestStore(t, path)

	_, err := a.AddMember("aa")
	require.NoError(t, err)
	_, err = b.AddMember("bb")
	require.NoError(t, err)
	_, err = a.AddMember("cc")
	require.NoError(t, err)

	assert.Equal(t, []string{"aa", "bb", "cc"}, readDisk(t, path).RemotePublicKeys)
	assert.True(t, a.IsMember("bb"))
	assert.ElementsMatch(t, []types.PeerID{"aa", "bb"}, b.Members())
}

func TestPrepare_SeesSecretSetAfterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	daemon := openTestStore(t, path)

	cli := openTestStore(t, path)
	require.NoError(t, cli.SetUserName("alice"))
	secret, err := auth.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, cli.SetSharedSecret(secret))

	require.NoError(t, daemon.Prepare(nil))
	assert.Equal(t, "alice", daemon.UserName())
	assert.Equal(t, secret.String(), daemon.SharedSecret())

	_, topic := auth.DeriveAccess(secret)
	assert.Equal(t, topic, daemon.Topic())
}
