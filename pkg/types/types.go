package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// PeerID is the hex encoded identity public key of a peer
type PeerID string

// PeerIDFromKey encodes an identity public key
func PeerIDFromKey(key []byte) PeerID {
	return PeerID(hex.EncodeToString(key))
}

// Bytes decodes the PeerID back into the raw public key
func (p PeerID) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", string(p), err)
	}
	return b, nil
}

// Short returns an abbreviated form for logs and tables
func (p PeerID) Short() string {
	if len(p) <= 12 {
		return string(p)
	}
	return string(p[:12])
}

// Epoch is the logical timestamp of a config that has never been edited.
// Secret rotation resets the target file to it to force a full resync.
var Epoch = time.Unix(0, 0).UTC()

// ConfigState is the synchronized file content plus its logical timestamp
type ConfigState struct {
	Conf  string
	Mtime time.Time
}

// NewerThan reports whether s wins last-writer-wins against other
func (s ConfigState) NewerThan(other time.Time) bool {
	return s.Mtime.After(other)
}
