package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"sshsync/pkg/auth"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDialBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newDialBackoff(time.Second, 8*time.Second)
	b.now = func() time.Time { return now }

	const addr = "10.0.0.1:4650"
	assert.True(t, b.ready(addr))

	unavailable := fmt.Errorf("failed to open stream: %w", status.Error(codes.Unavailable, "connection refused"))
	b.record(addr, unavailable)
	assert.Equal(t, 1, b.failures(addr))
	assert.False(t, b.ready(addr))

	now = now.Add(2 * time.Second)
	assert.True(t, b.ready(addr))

	// Grows exponentially, capped with jitter
	for i := 0; i < 6; i++ {
		b.record(addr, unavailable)
	}
	assert.Equal(t, 7, b.failures(addr))
	now = now.Add(6 * time.Second)
	assert.False(t, b.ready(addr))
	now = now.Add(4 * time.Second)
	assert.True(t, b.ready(addr))

	b.record(addr, nil)
	assert.Equal(t, 0, b.failures(addr))
	assert.True(t, b.ready(addr))
}

func TestDialBackoff_AlreadyConnectedIsNotAFailure(t *testing.T) {
	b := newDialBackoff(time.Second, time.Minute)
	b.record("a:1", status.Error(codes.AlreadyExists, "already connected"))
	assert.Equal(t, 0, b.failures("a:1"))
	assert.True(t, b.ready("a:1"))
}

func TestDialBackoff_Delay(t *testing.T) {
	b := newDialBackoff(time.Second, 30*time.Second)
	for failures, want := range map[int]time.Duration{1: time.Second, 3: 4 * time.Second, 10: 30 * time.Second} {
		d := b.delay(failures)
		assert.InDelta(t, float64(want), float64(d), float64(want)*backoffJitter, "failures=%d", failures)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("dial tcp: connection refused"), true},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"permission", status.Error(codes.PermissionDenied, "no"), false},
		{"self", fmt.Errorf("%w: no usable identity", auth.ErrUnexpectedPeer), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}
