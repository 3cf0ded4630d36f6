package transport

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"sshsync/pkg/auth"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultMaxBackoff = 10 * time.Minute
	backoffJitter     = 0.2
)

// dialBackoff spaces out redials of addresses that keep failing. Addresses
// start ready; each failure pushes the next attempt out exponentially.
type dialBackoff struct {
	base time.Duration
	max  time.Duration

	mu    sync.Mutex
	addrs map[string]*backoffState
	now   func() time.Time
}

type backoffState struct {
	failures int
	next     time.Time
}

func newDialBackoff(base, max time.Duration) *dialBackoff {
	if max < base {
		max = base
	}
	return &dialBackoff{
		base:  base,
		max:   max,
		addrs: make(map[string]*backoffState),
		now:   time.Now,
	}
}

// ready reports whether addr may be dialed now
func (b *dialBackoff) ready(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.addrs[addr]
	return !ok || !b.now().Before(s.next)
}

// record updates addr after a dial attempt
func (b *dialBackoff) record(addr string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || status.Code(err) == codes.AlreadyExists {
		delete(b.addrs, addr)
		return
	}

	s, ok := b.addrs[addr]
	if !ok {
		s = &backoffState{}
		b.addrs[addr] = s
	}
	s.failures++

	delay := b.delay(s.failures)
	if !isRetryable(err) {
		delay = b.max
	}
	s.next = b.now().Add(delay)
}

// failures returns the consecutive failures recorded for addr
func (b *dialBackoff) failures(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.addrs[addr]; ok {
		return s.failures
	}
	return 0
}

// delay is base * 2^(failures-1) capped at max, with jitter
func (b *dialBackoff) delay(failures int) time.Duration {
	d := float64(b.base) * math.Pow(2, float64(failures-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	d += d * backoffJitter * (2*rand.Float64() - 1)
	if d < 0 {
		d = float64(b.base)
	}
	return time.Duration(d)
}

// isRetryable separates transient failures from peers that will keep
// refusing us, such as an identity that does not match discovery.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, auth.ErrUnexpectedPeer) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Canceled,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
