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
Package proxy implements a forward HTTP proxy that keeps one persistent connection per origin host
and shares it among all clients.

Each accepted client gets a session goroutine that frames its requests and sends them on the pooled
connection of the request's host. Each pooled connection gets one reader goroutine that frames the
responses and queues them, in request order, for the client that sent the matching request. A
single writer goroutine delivers the queued responses to the clients.
*/
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/dispatch"
	"github.com/Jigsaw-Code/outline-httprelay/internal/sockopt"
	"github.com/Jigsaw-Code/outline-httprelay/pool"
	"github.com/Jigsaw-Code/outline-httprelay/rewrite"
	"github.com/Jigsaw-Code/outline-httprelay/transport"
	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is the close cause of connections torn down by [Server.Shutdown].
var ErrServerClosed = errors.New("proxy: server closed")

// Default settings, used for zero fields of [Server].
const (
	DefaultAddr                = "127.0.0.1:27777"
	DefaultClientIdleTimeout   = 10 * time.Second
	DefaultUpstreamIdleTimeout = 60 * time.Second
	DefaultConnectTimeout      = 10 * time.Second
	DefaultAcceptPollInterval  = time.Second
)

// Server is a forward HTTP proxy. Set its fields before calling [Server.Start].
type Server struct {
	// Addr is the host:port to listen on. The host must be an IP address or localhost.
	Addr string
	// Dialer connects to origins, given a host:port. It is responsible for name resolution.
	Dialer transport.StreamDialer
	// Rewriter, if not nil, is applied to HTML response bodies.
	Rewriter rewrite.Rewriter

	ClientIdleTimeout   time.Duration
	UpstreamIdleTimeout time.Duration
	ConnectTimeout      time.Duration
	AcceptPollInterval  time.Duration
	// MaxInFlight is the number of requests that may await a response on one pooled connection.
	MaxInFlight  int
	MaxHeadBytes int
	// AcceptProxyProtocol takes client addresses from PROXY protocol headers.
	AcceptProxyProtocol bool
	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	listener    net.Listener
	tcpListener *net.TCPListener
	pool        *pool.Pool
	queue       *dispatch.Queue
	group       *errgroup.Group
	ctx         context.Context
	cancel      context.CancelFunc
	shutdown    atomic.Bool
	nextID      atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session
}

var _ dispatch.Clients = (*Server)(nil)

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func validateListenAddr(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return invalidAddress(address, err.Error())
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return invalidAddress(address, "invalid port "+port)
	}
	if host == "" || host == "localhost" {
		return nil
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return invalidAddress(address, "host must be an IP address")
	}
	return nil
}

// Start creates the listening socket, with SO_REUSEADDR, and starts serving in the background.
// If the socket cannot be set up, it returns the matching [Status] and a [*Error].
func (s *Server) Start() (Status, error) {
	if s.Dialer == nil {
		err := &Error{Kind: KindConfig, Op: "start", Err: errors.New("Dialer must not be nil")}
		return StatusOf(err), err
	}
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if err := validateListenAddr(s.Addr); err != nil {
		return StatusOf(err), err
	}

	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			if err := sockopt.ReuseAddrControl(network, address, rc); err != nil {
				return &Error{Kind: KindSocketOption, Op: "set SO_REUSEADDR on", Host: address, Err: err}
			}
			return nil
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", s.Addr)
	if err != nil {
		perr := listenError(s.Addr, err)
		return StatusOf(perr), perr
	}
	s.tcpListener = ln.(*net.TCPListener)
	s.listener = ln
	if s.AcceptProxyProtocol {
		s.listener = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: orDefault(s.ClientIdleTimeout, DefaultClientIdleTimeout)}
	}

	opts := []pool.Option{}
	if s.MaxInFlight > 0 {
		opts = append(opts, pool.WithMaxInFlight(s.MaxInFlight))
	}
	s.pool = pool.New(s.Dialer, opts...)
	s.queue = dispatch.NewQueue()
	s.sessions = make(map[uint64]*session)

	base, cancel := context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(base)
	s.cancel = cancel
	context.AfterFunc(s.ctx, func() {
		s.listener.Close()
		s.queue.Close()
		s.pool.CloseAll()
	})

	writer := &dispatch.Writer{Queue: s.queue, Clients: s, Logger: s.logger()}
	s.group.Go(func() error {
		if err := writer.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	s.group.Go(s.acceptLoop)

	s.logger().Info("Proxy listening", "address", s.listener.Addr().String())
	return StatusSuccess, nil
}

// ListenAddr returns the address the server listens on, or nil before [Server.Start].
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() error {
	defer s.listener.Close()
	poll := orDefault(s.AcceptPollInterval, DefaultAcceptPollInterval)
	for !s.shutdown.Load() {
		s.tcpListener.SetDeadline(time.Now().Add(poll))
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || s.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return &Error{Kind: KindAccept, Op: "accept on", Host: s.Addr, Err: err}
		}
		s.startSession(conn)
	}
	return nil
}

func (s *Server) startSession(conn net.Conn) {
	sess := &session{
		id:     s.nextID.Add(1),
		conn:   conn,
		server: s,
	}
	sess.logger = s.logger().With("client", sess.id)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.group.Go(func() error {
		stop := context.AfterFunc(s.ctx, func() { sess.Close() })
		defer stop()
		sess.run(s.ctx)
		return nil
	})
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Lookup implements [dispatch.Clients].Lookup.
func (s *Server) Lookup(id uint64) (io.WriteCloser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Pool returns the pool of upstream connections, or nil before [Server.Start].
func (s *Server) Pool() *pool.Pool {
	return s.pool
}

// Shutdown stops accepting clients, closes every client and upstream connection and waits for all
// goroutines to finish or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.group == nil {
		return nil
	}
	s.shutdown.Store(true)
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the server stops, either through [Server.Shutdown] or because accepting
// clients failed, and returns the final [Status].
func (s *Server) Wait() (Status, error) {
	if s.group == nil {
		return StatusSuccess, nil
	}
	err := s.group.Wait()
	return StatusOf(err), err
}
