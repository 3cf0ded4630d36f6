package group

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sshsync/pkg/auth"
	"sshsync/pkg/types"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ErrNoUserName is returned by Prepare when the operator has not set userName
var ErrNoUserName = errors.New("userName not configured")

// Store is the membership store: the persisted group file plus the
// credentials derived from it. Every mutation is flushed to disk before the
// call returns.
type Store struct {
	mu sync.RWMutex

	path   string
	lock   *flock.Flock
	logger *zap.Logger

	file     *File
	members  map[types.PeerID]struct{}
	identity auth.KeyPair
	access   auth.KeyPair
	topic    auth.Topic
}

// Open loads the group file at path, creating an empty one if it is missing
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		path:    path,
		lock:    flock.New(path + ".lock"),
		logger:  logger,
		members: make(map[types.PeerID]struct{}),
	}

	f, err := readFile(path)
	switch {
	case err == nil:
		s.setFileLocked(f)
	case isNotExist(err):
		s.file = &File{}
		if err := s.updateLocked(nil); err != nil {
			return nil, err
		}
		logger.Info("Created group file", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to read group file: %w", err)
	}

	return s, nil
}

// Prepare fills in missing credentials and derives the group access keypair
// and topic. When the shared secret differs from the previous one, onRotate
// runs before previousSharedSecret is updated, so an interrupted rotation is
// retried on the next start.
func (s *Store) Prepare(onRotate func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Pick up edits made by the CLI since Open
	if err := s.reloadLocked(); err != nil {
		return err
	}

	if s.file.KeyPair.PublicKey == "" || s.file.KeyPair.SecretKey == "" {
		kp, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		generated := KeyPairJSON{PublicKey: kp.PublicHex(), SecretKey: kp.SecretHex()}
		if err := s.updateLocked(func(f *File) {
			if f.KeyPair.PublicKey == "" || f.KeyPair.SecretKey == "" {
				f.KeyPair = generated
			}
		}); err != nil {
			return err
		}
		s.logger.Info("Generated identity keypair", zap.String("peer", s.file.KeyPair.PublicKey))
	}

	identity, err := auth.ParseKeyPair(s.file.KeyPair.PublicKey, s.file.KeyPair.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to load identity keypair: %w", err)
	}
	s.identity = identity

	if s.file.SharedSecret == "" {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		if err := s.updateLocked(func(f *File) {
			if f.SharedSecret == "" {
				f.SharedSecret = secret.String()
			}
		}); err != nil {
			return err
		}
		s.logger.Info("Generated new shared secret")
	}

	secretHex := s.file.SharedSecret
	secret, err := auth.ParseSecret(secretHex)
	if err != nil {
		return err
	}

	s.access, s.topic = auth.DeriveAccess(secret)
	rotated := secretHex != s.file.PreviousSharedSecret
	if rotated || s.file.Topic != s.topic.String() || s.file.SharedKeyPair.PublicKey != s.access.PublicHex() {
		sharedKeyPair := KeyPairJSON{PublicKey: s.access.PublicHex(), SecretKey: s.access.SecretHex()}
		topic := s.topic.String()
		if err := s.updateLocked(func(f *File) {
			f.SharedKeyPair = sharedKeyPair
			f.Topic = topic
		}); err != nil {
			return err
		}
	}

	if s.file.UserName == "" {
		return fmt.Errorf("%w in %s", ErrNoUserName, s.path)
	}

	if !rotated {
		return nil
	}

	s.logger.Info("Shared secret changed, deprecating config")
	if onRotate != nil {
		if err := onRotate(); err != nil {
			return fmt.Errorf("failed to reset config after secret rotation: %w", err)
		}
	}

	// Record the secret actually derived; a newer one set meanwhile stays pending
	return s.updateLocked(func(f *File) {
		f.PreviousSharedSecret = secretHex
	})
}

// IsMember reports whether peer has been admitted
func (s *Store) IsMember(peer types.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[peer]
	return ok
}

// AddMember admits peer and persists the list. Adding a known member is a
// no-op and returns false.
func (s *Store) AddMember(peer types.PeerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[peer]; ok {
		return false, nil
	}

	if err := s.updateLocked(func(f *File) {
		f.RemotePublicKeys = appendMissing(f.RemotePublicKeys, string(peer))
	}); err != nil {
		return false, err
	}

	return true, nil
}

// Members returns admitted peers in admission order
func (s *Store) Members() []types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PeerID, 0, len(s.file.RemotePublicKeys))
	for _, key := range s.file.RemotePublicKeys {
		out = append(out, types.PeerID(key))
	}
	return out
}

// SetUserName records the local account whose SSH config is synchronized
func (s *Store) SetUserName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(func(f *File) { f.UserName = name })
}

// SetSharedSecret replaces the group secret. The derived credentials are
// recomputed by the next Prepare.
func (s *Store) SetSharedSecret(secret auth.SharedSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(func(f *File) { f.SharedSecret = secret.String() })
}

func (s *Store) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.UserName
}

func (s *Store) SharedSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.SharedSecret
}

// Identity returns the node's own transport keypair
func (s *Store) Identity() auth.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Self returns the node's own PeerID
func (s *Store) Self() types.PeerID {
	return types.PeerIDFromKey(s.Identity().Public)
}

// Access returns the group access keypair derived from the shared secret
func (s *Store) Access() auth.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *Store) Topic() auth.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topic
}

func (s *Store) Path() string {
	return s.path
}

// updateLocked is the read-modify-write of the group file. Under the
// cross-process lock it re-reads the file, merges what this process holds,
// applies fn and writes the result, which then becomes the in-memory copy.
// Other processes (the CLI next to a running daemon) own the fields they
// set, so their edits survive. Must be called with s.mu held.
func (s *Store) updateLocked(fn func(f *File)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create group directory: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock group file: %w", err)
	}
	defer s.lock.Unlock()

	next, err := s.mergeDiskLocked()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(next)
	}

	if err := writeFile(s.path, next); err != nil {
		return err
	}
	s.setFileLocked(next)
	return nil
}

// reloadLocked refreshes the in-memory copy from disk without writing
func (s *Store) reloadLocked() error {
	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock group file: %w", err)
	}
	defer s.lock.Unlock()

	next, err := s.mergeDiskLocked()
	if err != nil {
		return err
	}
	s.setFileLocked(next)
	return nil
}

// mergeDiskLocked returns the on-disk file with this process's members and
// generated credentials folded in. A missing file yields a copy of memory.
func (s *Store) mergeDiskLocked() (*File, error) {
	disk, err := readFile(s.path)
	if isNotExist(err) {
		return s.file.clone(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group file: %w", err)
	}
	return mergeFiles(disk, s.file), nil
}

func (s *Store) setFileLocked(f *File) {
	s.file = f
	s.members = make(map[types.PeerID]struct{}, len(f.RemotePublicKeys))
	for _, key := range f.RemotePublicKeys {
		s.members[types.PeerID(key)] = struct{}{}
	}
}

// Info is a read-only snapshot of the group file for display
type Info struct {
	UserName        string         `json:"userName"`
	PeerID          types.PeerID   `json:"peerId"`
	Topic           string         `json:"topic"`
	RotationPending bool           `json:"rotationPending"`
	Members         []types.PeerID `json:"members"`
	Path            string         `json:"path"`
}

// Info describes the group as persisted, without deriving anything
func (s *Store) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]types.PeerID, 0, len(s.file.RemotePublicKeys))
	for _, key := range s.file.RemotePublicKeys {
		members = append(members, types.PeerID(key))
	}

	return Info{
		UserName:        s.file.UserName,
		PeerID:          types.PeerID(s.file.KeyPair.PublicKey),
		Topic:           s.file.Topic,
		RotationPending: s.file.SharedSecret != s.file.PreviousSharedSecret,
		Members:         members,
		Path:            s.path,
	}
}
