// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
)

// Pending identifies a request that was sent on a [Conn] and still awaits its response.
type Pending struct {
	ClientID uint64
	Method   string
}

// Conn is a shared connection to one origin host.
//
// Requests are sent with [Conn.Send], which records them in request order. The single reader of
// the connection calls [Conn.Complete] once the matching response has been delivered, which
// identifies the requesting client and lets the next request through.
type Conn struct {
	pool *Pool
	host string

	// turn holds one token per request in flight.
	turn  chan struct{}
	ready chan struct{}
	done  chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     transport.StreamConn
	connErr  error
	started  bool
	closed   bool
	closeErr error
	pending  []Pending
}

func newConn(p *Pool, host string) *Conn {
	return &Conn{
		pool:  p,
		host:  host,
		turn:  make(chan struct{}, p.maxInFlight),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Host returns the key of the connection in the pool.
func (c *Conn) Host() string {
	return c.host
}

// Connect dials address with the pool's dialer. It must be called exactly once, by the caller that
// created the connection. On failure the connection is closed and removed from the pool, and
// callers blocked in [Conn.Wait] get the error.
func (c *Conn) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("connect already called")
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.pool.dialer.DialStream(ctx, address)

	c.mu.Lock()
	if err == nil && c.closed {
		conn.Close()
		conn, err = nil, c.closeErr
	}
	c.conn, c.connErr = conn, err
	c.mu.Unlock()
	close(c.ready)

	if err != nil {
		c.Close(err)
		return fmt.Errorf("failed to connect to %v: %w", address, err)
	}
	return nil
}

// Wait blocks until the connection attempt started by [Conn.Connect] is over and returns its error.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.connErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamConn returns the underlying connection, or nil before a successful [Conn.Connect].
func (c *Conn) StreamConn() transport.StreamConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send waits for a free turn on the connection, records p as pending and writes raw in full.
// Writes from concurrent senders never interleave. A write failure closes the connection.
// If the connection was closed before anything was written, the error matches [ErrClosed].
func (c *Conn) Send(ctx context.Context, p Pending, raw []byte) error {
	if err := c.Wait(ctx); err != nil {
		return err
	}
	select {
	case c.turn <- struct{}{}:
	case <-c.done:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedError()
	}
	c.pending = append(c.pending, p)
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(raw); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// Oldest returns the earliest request still awaiting its response.
func (c *Conn) Oldest() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return Pending{}, false
	}
	return c.pending[0], true
}

// InFlight returns the number of requests awaiting a response.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Complete removes the earliest pending request and frees its turn. It is called by the reader
// once the response has been delivered. It returns false if nothing was pending.
func (c *Conn) Complete() (Pending, bool) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return Pending{}, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	select {
	case <-c.turn:
	default:
	}
	return p, true
}

// Close closes the connection with cause and removes it from the pool if it is still the
// connection for its host. Requests still pending never get a response. Subsequent calls are
// no-ops.
func (c *Conn) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.markClosed(cause)
	c.mu.Unlock()
	c.release(conn)
}

// CloseIfIdle closes the connection with cause only if no request is pending, and reports whether
// it did. A request that [Conn.Send] records first keeps the connection open; a later one fails
// with [ErrClosed] before anything is written.
func (c *Conn) CloseIfIdle(cause error) bool {
	c.mu.Lock()
	if c.closed || len(c.pending) > 0 {
		c.mu.Unlock()
		return false
	}
	conn := c.markClosed(cause)
	c.mu.Unlock()
	c.release(conn)
	return true
}

// markClosed must be called with c.mu held.
func (c *Conn) markClosed(cause error) transport.StreamConn {
	if cause == nil {
		cause = ErrClosed
	}
	c.closed = true
	c.closeErr = cause
	return c.conn
}

func (c *Conn) release(conn transport.StreamConn) {
	c.pool.remove(c)
	close(c.done)
	if conn != nil {
		conn.Close()
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the close cause, or nil while the connection is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) closedError() error {
	cause := c.Err()
	if cause == nil || errors.Is(cause, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, cause)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
