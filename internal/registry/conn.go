package registry

import (
	"context"
	"net"
	"time"
)

// Conn is the transport a supervisor speaks the control-channel framing
// over. The production implementation wraps a *net.TCPConn; tests use an
// in-memory net.Pipe pair.
type Conn interface {
	net.Conn
}

// netDialer is the production Dialer, one real TCP dial per attempt with
// a bounded handshake timeout.
type netDialer struct {
	d net.Dialer
}

// NewNetDialer returns a Dialer that opens real TCP connections.
func NewNetDialer() Dialer { return &netDialer{} }

func (n *netDialer) DialContext(ctx context.Context, addr string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	c, err := n.d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fullJitter implements bounded exponential backoff with full jitter:
// the wait is a uniform random draw in [0, min(cap, base*2^attempt)).
func fullJitter(attempt int, base, cap time.Duration, rnd func(n int64) int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := base
	for i := 0; i < attempt && backoff < cap; i++ {
		backoff *= 2
	}
	if backoff > cap {
		backoff = cap
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rnd(int64(backoff)))
}
