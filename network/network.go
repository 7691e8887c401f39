// Package network frames gob messages over a single long-lived TCP
// connection. A client dials out to its aggregator once and keeps the
// link for the whole session; transport faults surface as errors for the
// caller to retry, never as silent drops.
package network

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

// ErrLinkClosed reports use of a link after Close.
var ErrLinkClosed = errors.New("link closed")

// Link carries typed frames over one connection: I flows in, O flows
// out. Receive is single-reader; Send serializes concurrent writers.
type Link[I, O any] struct {
	conn net.Conn
	dec  *gob.Decoder

	mu     sync.Mutex // guards enc and closed
	enc    *gob.Encoder
	closed bool
}

// NewLink wraps an established connection. The link owns the connection
// from here on; Close releases it.
func NewLink[I, O any](conn net.Conn) *Link[I, O] {
	return &Link[I, O]{
		conn: conn,
		dec:  gob.NewDecoder(conn),
		enc:  gob.NewEncoder(conn),
	}
}

// Dial connects to addr, retrying with exponential backoff until it
// succeeds or ctx is done.
func Dial[I, O any](ctx context.Context, addr string, log hclog.Logger) (*Link[I, O], error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	var conn net.Conn
	dial := func() error {
		d := net.Dialer{Timeout: 10 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Warn("dial failed, backing off", "addr", addr, "error", err)
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(newDialBackOff(), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	log.Info("connected", "addr", addr)
	return NewLink[I, O](conn), nil
}

// newDialBackOff builds the dial retry policy. MaxElapsedTime zero means
// the policy never expires on its own; only the caller's context bounds
// how long a client waits out an aggregator outage.
func newDialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return b
}

// Send encodes one outbound frame.
func (l *Link[I, O]) Send(msg O) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if err := l.enc.Encode(&msg); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Receive blocks until the next inbound frame arrives or the link dies.
func (l *Link[I, O]) Receive() (I, error) {
	var msg I
	if err := l.dec.Decode(&msg); err != nil {
		if l.isClosed() {
			return msg, ErrLinkClosed
		}
		return msg, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}

// Close tears down the connection and unblocks a pending Receive. Safe
// to call more than once.
func (l *Link[I, O]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

func (l *Link[I, O]) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
