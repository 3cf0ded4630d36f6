package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	SecretSize = 32
	TopicSize  = 32
	NonceSize  = 32

	// HelloSize is the length of a hello payload: signature followed by nonce
	HelloSize = ed25519.SignatureSize + NonceSize
)

// SharedSecret is the group-wide root secret every credential derives from
type SharedSecret [SecretSize]byte

// GenerateSecret draws a fresh shared secret from crypto/rand
func GenerateSecret() (SharedSecret, error) {
	var s SharedSecret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("failed to generate shared secret: %w", err)
	}
	return s, nil
}

// ParseSecret decodes a hex encoded shared secret
func ParseSecret(s string) (SharedSecret, error) {
	var secret SharedSecret
	b, err := hex.DecodeString(s)
	if err != nil {
		return secret, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(b) != SecretSize {
		return secret, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecret, len(b), SecretSize)
	}
	copy(secret[:], b)
	return secret, nil
}

func (s SharedSecret) String() string {
	return hex.EncodeToString(s[:])
}

// Topic is the discovery tag peers of one group advertise on the transport
type Topic [TopicSize]byte

// ParseTopic decodes a hex encoded topic
func ParseTopic(s string) (Topic, error) {
	var t Topic
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != TopicSize {
		return t, fmt.Errorf("invalid topic %q", s)
	}
	copy(t[:], b)
	return t, nil
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// KeyPair is an Ed25519 signing keypair. It is used both for the derived
// access keypair and for the node's own random identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a random identity keypair
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// ParseKeyPair decodes a hex keypair and checks both halves belong together
func ParseKeyPair(publicHex, secretHex string) (KeyPair, error) {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return KeyPair{}, fmt.Errorf("%w: bad public key", ErrInvalidKey)
	}
	priv, err := hex.DecodeString(secretHex)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("%w: bad secret key", ErrInvalidKey)
	}
	kp := KeyPair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}
	if !kp.Public.Equal(kp.Private.Public()) {
		return KeyPair{}, fmt.Errorf("%w: public key does not match secret key", ErrInvalidKey)
	}
	return kp, nil
}

func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

func (k KeyPair) SecretHex() string {
	return hex.EncodeToString(k.Private)
}

// IsZero reports whether the keypair was never set
func (k KeyPair) IsZero() bool {
	return len(k.Public) == 0 && len(k.Private) == 0
}

// DeriveAccess turns a shared secret into the group access keypair and topic.
// H1 = SHA-256 over the hex form of the secret, the access key is the Ed25519
// key seeded by H1, and the topic is BLAKE2b-256(H1). Every node holding the
// same secret gets byte-identical results.
func DeriveAccess(secret SharedSecret) (KeyPair, Topic) {
	h1 := sha256.Sum256([]byte(secret.String()))

	priv := ed25519.NewKeyFromSeed(h1[:])
	access := KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}

	return access, Topic(blake2b.Sum256(h1[:]))
}

// SignHello builds a hello payload: a signature over a fresh random nonce,
// followed by the nonce itself.
func SignHello(access KeyPair) ([]byte, error) {
	if len(access.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: access key not derived", ErrInvalidKey)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := make([]byte, 0, HelloSize)
	payload = append(payload, ed25519.Sign(access.Private, nonce)...)
	return append(payload, nonce...), nil
}

// VerifyHello checks that payload was signed by the access key whose public
// half is accessPub.
func VerifyHello(accessPub ed25519.PublicKey, payload []byte) error {
	if len(accessPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: access key not derived", ErrInvalidKey)
	}
	if len(payload) != HelloSize {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidHello, len(payload), HelloSize)
	}

	sig, nonce := payload[:ed25519.SignatureSize], payload[ed25519.SignatureSize:]
	if !ed25519.Verify(accessPub, nonce, sig) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidHello)
	}
	return nil
}
