package auth

import (
	"errors"
)

var (
	ErrInvalidHello       = errors.New("invalid hello")
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidSecret      = errors.New("invalid shared secret")
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnexpectedPeer     = errors.New("unexpected peer")
)
