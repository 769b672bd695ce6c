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

/*
Package pool keeps one persistent upstream connection per origin host, shared by every client
session that talks to that host.

The pool-wide lock is only held to look up, insert or remove an entry. Dialing and I/O happen
outside of it, under the state of each individual [Conn].
*/
package pool

import (
	"errors"
	"sort"
	"sync"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
)

// ErrClosed is returned by operations on a [Conn] that has been closed.
var ErrClosed = errors.New("pooled connection closed")

// ErrReleased is the close cause of connections removed with [Pool.Release].
var ErrReleased = errors.New("pooled connection released")

// Option configures a [Pool].
type Option func(p *Pool)

// WithMaxInFlight sets how many requests may be outstanding on one connection. The default of 1
// only lets a request be sent once the response to the previous one has been delivered.
func WithMaxInFlight(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

// Pool maps origin host keys to shared upstream connections.
type Pool struct {
	dialer      transport.StreamDialer
	maxInFlight int

	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates a [Pool] that opens upstream connections with dialer.
func New(dialer transport.StreamDialer, opts ...Option) *Pool {
	p := &Pool{
		dialer:      dialer,
		maxInFlight: 1,
		conns:       make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the connection for host. If there is none, it inserts a new, unconnected one
// and reports isNew, in which case the caller must call [Conn.Connect] on it. Concurrent callers
// for the same host get the same connection and exactly one of them gets isNew.
func (p *Pool) Acquire(host string) (conn *Conn, isNew bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[host]; ok && !c.isClosed() {
		return c, false
	}
	c := newConn(p, host)
	p.conns[host] = c
	return c, true
}

// Release removes the connection for host from the pool and closes it, so that the next request to
// host creates a fresh one. Releasing a host that has no connection is a no-op.
func (p *Pool) Release(host string) {
	p.mu.Lock()
	c, ok := p.conns[host]
	if ok {
		delete(p.conns, host)
	}
	p.mu.Unlock()
	if ok {
		c.Close(ErrReleased)
	}
}

// remove deletes the entry for c.host only if it still maps to c.
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.host] == c {
		delete(p.conns, c.host)
	}
}

// Len returns the number of hosts with a connection.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Hosts returns the host keys with a connection, sorted.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	hosts := make([]string, 0, len(p.conns))
	for host := range p.conns {
		hosts = append(hosts, host)
	}
	p.mu.Unlock()
	sort.Strings(hosts)
	return hosts
}

// CloseAll closes every connection and empties the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close(ErrClosed)
	}
}
