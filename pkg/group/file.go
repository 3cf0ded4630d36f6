package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath is where the group file lives unless configured otherwise
const DefaultPath = "/etc/opt/sync-ssh-config/swarm.json"

// KeyPairJSON is the persisted hex form of a keypair
type KeyPairJSON struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// File is the on-disk group file. Field names match the format other
// implementations of the group file read and write.
type File struct {
	UserName             string      `json:"userName"`
	SharedSecret         string      `json:"sharedSecret"`
	Topic                string      `json:"topic"`
	PreviousSharedSecret string      `json:"previousSharedSecret"`
	SharedKeyPair        KeyPairJSON `json:"sharedKeyPair"`
	RemotePublicKeys     []string    `json:"remotePublicKeys"`
	KeyPair              KeyPairJSON `json:"keyPair"`
}

func (f *File) clone() *File {
	c := *f
	c.RemotePublicKeys = append([]string(nil), f.RemotePublicKeys...)
	return &c
}

// mergeFiles combines the group file found on disk with the copy a process
// holds in memory. Values on disk win, so a secret or userName written by
// another process is kept; members are the union of both; credentials
// this process generated fill fields that are still empty on disk.
func mergeFiles(disk, mem *File) *File {
	out := disk.clone()

	for _, key := range mem.RemotePublicKeys {
		out.RemotePublicKeys = appendMissing(out.RemotePublicKeys, key)
	}
	if out.KeyPair.PublicKey == "" || out.KeyPair.SecretKey == "" {
		out.KeyPair = mem.KeyPair
	}
	if out.UserName == "" {
		out.UserName = mem.UserName
	}
	if out.SharedSecret == "" {
		out.SharedSecret = mem.SharedSecret
	}
	return out
}

func appendMissing(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

// readFile loads the group file. A missing file is reported with
// os.ErrNotExist so the caller can create it.
func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse group file %s: %w", path, err)
	}
	return &f, nil
}

// writeFile replaces the group file atomically with owner-only permissions
func writeFile(path string, f *File) error {
	if f.RemotePublicKeys == nil {
		f.RemotePublicKeys = []string{}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode group file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".swarm-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary group file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write group file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict group file permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync group file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close group file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace group file: %w", err)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
