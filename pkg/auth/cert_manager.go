package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"sshsync/pkg/types"
)

// identityCertValidity is long on purpose: peers pin the key, not the chain
const identityCertValidity = 10 * 365 * 24 * time.Hour

// IdentityCertificate creates a self-signed Ed25519 certificate for the
// node's identity keypair. The transport presents it on every connection so
// the remote side learns our PeerID from the TLS handshake.
func IdentityCertificate(identity KeyPair) (tls.Certificate, error) {
	if len(identity.Private) != ed25519.PrivateKeySize {
		return tls.Certificate{}, fmt.Errorf("%w: identity key not set", ErrInvalidKey)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	peerID := types.PeerIDFromKey(identity.Public)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sshsync"},
			CommonName:   string(peerID),
		},
		// Peer clocks are not trusted to agree
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(identityCertValidity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"sshsync"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, identity.Public, identity.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create identity certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse identity certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  identity.Private,
		Leaf:        cert,
	}, nil
}

// PeerIDFromCertificate validates a self-signed identity certificate and
// returns the PeerID it binds.
func PeerIDFromCertificate(cert *x509.Certificate) (types.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: public key is not Ed25519", ErrInvalidCertificate)
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return "", fmt.Errorf("%w: not self-signed: %v", ErrInvalidCertificate, err)
	}

	return types.PeerIDFromKey(pub), nil
}
