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

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/config"
	"github.com/Jigsaw-Code/outline-httprelay/rewrite"
	"github.com/Jigsaw-Code/outline-httprelay/transport"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
)

// origin is an HTTP server that counts the connections it accepts.
type origin struct {
	*httptest.Server
	conns atomic.Int32
	// held receives the path of every /hold request, which blocks until release is closed.
	held    chan string
	release chan struct{}
}

func startOrigin(t *testing.T) *origin {
	o := &origin{held: make(chan string, 10), release: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/hold", func(w http.ResponseWriter, r *http.Request) {
		o.held <- r.URL.Path
		<-o.release
		io.WriteString(w, "released")
	})
	mux.HandleFunc("/sleep", func(w http.ResponseWriter, r *http.Request) {
		d, _ := time.ParseDuration(r.URL.Query().Get("d"))
		time.Sleep(d)
		io.WriteString(w, "slept")
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<p>Smiley lives in Stockholm</p>")
	})
	mux.HandleFunc("/HTML", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `Text/HTML; charset="utf-8"`)
		io.WriteString(w, "<b>Smiley</b>")
	})
	mux.HandleFunc("/close", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		io.WriteString(w, "bye")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "uri="+r.RequestURI)
	})
	o.Server = httptest.NewUnstartedServer(mux)
	o.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			o.conns.Add(1)
		}
	}
	o.Start()
	t.Cleanup(o.Close)
	t.Cleanup(func() { close(o.release) })
	return o
}

// originDialer sends every connection to the origin and counts the dials.
func originDialer(o *origin, dials *atomic.Int32) transport.StreamDialer {
	base := &transport.TCPDialer{}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		dials.Add(1)
		return base.DialStream(ctx, o.Listener.Addr().String())
	})
}

func startServer(t *testing.T, s *Server) string {
	if s.Addr == "" {
		s.Addr = "127.0.0.1:0"
	}
	if s.AcceptPollInterval == 0 {
		s.AcceptPollInterval = 20 * time.Millisecond
	}
	status, err := s.Start()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s.ListenAddr().String()
}

type client struct {
	net.Conn
	br *bufio.Reader
}

func dialClient(t *testing.T, proxyAddr string) *client {
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &client{Conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) get(t *testing.T, method, target, host string) (*http.Response, string) {
	_, err := fmt.Fprintf(c, "%s %s HTTP/1.1\r\nHost: %s\r\n\r\n", method, target, host)
	require.NoError(t, err)
	return c.read(t, method)
}

func (c *client) read(t *testing.T, method string) (*http.Response, string) {
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestForwardRequest(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	addr := startServer(t, &Server{Dialer: originDialer(o, &dials)})

	c := dialClient(t, addr)
	resp, body := c.get(t, "GET", "/index.html", "origin.test")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "uri=/index.html", body)

	// Absolute-form targets reach the origin in origin form.
	_, body = c.get(t, "GET", "http://origin.test/abs?q=1", "origin.test")
	require.Equal(t, "uri=/abs?q=1", body)

	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, int32(1), o.conns.Load())
}

func TestConcurrentClientsShareConnection(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	addr := startServer(t, &Server{Dialer: originDialer(o, &dials)})

	const clients = 8
	var wg sync.WaitGroup
	bodies := make([]string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := dialClient(t, addr)
			for j := 0; j < 3; j++ {
				_, body := c.get(t, "GET", fmt.Sprintf("/client/%d/%d", i, j), "origin.test")
				bodies[i] += body + ";"
			}
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		require.Equal(t, fmt.Sprintf("uri=/client/%d/0;uri=/client/%d/1;uri=/client/%d/2;", i, i, i), body)
	}
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, int32(1), o.conns.Load())
}

func TestReusedConnectionRoutesToRequester(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	addr := startServer(t, &Server{Dialer: originDialer(o, &dials)})

	first := dialClient(t, addr)
	_, body := first.get(t, "GET", "/first", "origin.test")
	require.Equal(t, "uri=/first", body)

	second := dialClient(t, addr)
	_, body = second.get(t, "GET", "/second", "origin.test")
	require.Equal(t, "uri=/second", body)

	// Nothing else was delivered to the first client.
	first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := first.br.ReadByte()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
	require.Equal(t, int32(1), dials.Load())
}

func TestHeadResponseHasNoBody(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	addr := startServer(t, &Server{Dialer: originDialer(o, &dials)})

	c := dialClient(t, addr)
	resp, body := c.get(t, "HEAD", "/html", "origin.test")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)

	_, body = c.get(t, "GET", "/after-head", "origin.test")
	require.Equal(t, "uri=/after-head", body)
}

func TestHTMLRewrite(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	addr := startServer(t, &Server{
		Dialer:   originDialer(o, &dials),
		Rewriter: rewrite.NewHTMLReplacer(rewrite.DefaultReplacements()),
	})

	c := dialClient(t, addr)
	resp, body := c.get(t, "GET", "/html", "origin.test")
	require.Equal(t, "<p>Trolly lives in Linköping</p>", body)
	require.Equal(t, int64(len(body)), resp.ContentLength)

	// Media types are matched case-insensitively, with parameters.
	resp, body = c.get(t, "GET", "/HTML", "origin.test")
	require.Equal(t, "<b>Trolly</b>", body)
	require.Equal(t, int64(len(body)), resp.ContentLength)

	// Plain text is not rewritten.
	_, body = c.get(t, "GET", "/Smiley", "origin.test")
	require.Equal(t, "uri=/Smiley", body)
}

func TestUpstreamCloseCreatesNewConnection(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	s := &Server{Dialer: originDialer(o, &dials)}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	_, body := c.get(t, "GET", "/close", "origin.test")
	require.Equal(t, "bye", body)
	require.Eventually(t, func() bool { return s.Pool().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, body = c.get(t, "GET", "/again", "origin.test")
	require.Equal(t, "uri=/again", body)
	require.Equal(t, int32(2), dials.Load())
	require.Equal(t, int32(2), o.conns.Load())
}

func TestUpstreamIdleTimeout(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	s := &Server{Dialer: originDialer(o, &dials), UpstreamIdleTimeout: 50 * time.Millisecond}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	c.get(t, "GET", "/", "origin.test")
	require.Eventually(t, func() bool { return s.Pool().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientIdleTimeout(t *testing.T) {
	s := &Server{Dialer: &transport.TCPDialer{}, ClientIdleTimeout: 50 * time.Millisecond}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	_, err := c.br.ReadByte()
	require.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return s.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnreachableOriginGetsNoResponse(t *testing.T) {
	s := &Server{
		Dialer: transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
			return nil, errors.New("connection refused")
		}),
	}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: down.test\r\n\r\n")
	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := c.br.ReadByte()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
	require.Equal(t, 0, s.Pool().Len())
}

func TestConnectIsRefused(t *testing.T) {
	var dials atomic.Int32
	s := &Server{Dialer: transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		dials.Add(1)
		return nil, errors.New("unexpected dial")
	})}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	fmt.Fprintf(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := c.br.ReadByte()
	require.Error(t, err)
	require.Equal(t, int32(0), dials.Load())
}

func TestSOCKS5Upstream(t *testing.T) {
	o := startOrigin(t)
	socksServer := socks5.NewServer(socks5.WithAuthMethods([]socks5.Authenticator{
		socks5.UserPassAuthenticator{Credentials: socks5.StaticCredentials{"relay": "s3cret"}},
	}))
	socksListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { socksListener.Close() })
	go socksServer.Serve(socksListener)

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.AcceptPollInterval = 20 * time.Millisecond
	cfg.UpstreamSOCKS5 = &config.SOCKS5Config{Address: socksListener.Addr().String(), Username: "relay", Password: "s3cret"}
	require.NoError(t, cfg.Validate())
	s, err := NewServer(&cfg, nil)
	require.NoError(t, err)
	addr := startServer(t, s)

	c := dialClient(t, addr)
	originAddr := o.Listener.Addr().String()
	resp, body := c.get(t, "GET", "/html", originAddr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<p>Trolly lives in Linköping</p>", body)
	require.Equal(t, []string{originAddr}, s.Pool().Hosts())
}

// syncBuffer is a [bytes.Buffer] that can be written concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProxyProtocolClientAddress(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	var logs syncBuffer
	s := &Server{
		Dialer:              originDialer(o, &dials),
		AcceptProxyProtocol: true,
		Logger:              slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	header := proxyproto.HeaderProxyFromAddrs(1,
		&net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 4242},
		&net.TCPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 27777})
	_, err := header.WriteTo(c)
	require.NoError(t, err)

	_, body := c.get(t, "GET", "/", "origin.test")
	require.Equal(t, "uri=/", body)
	require.Contains(t, logs.String(), "203.0.113.7:4242")
}

func TestStartInvalidAddress(t *testing.T) {
	for _, address := range []string{"no-port", "example.com:80", "127.0.0.1:http-nope", "127.0.0.1:99999"} {
		s := &Server{Addr: address, Dialer: &transport.TCPDialer{}}
		status, err := s.Start()
		require.Equal(t, StatusInvalidAddress, status, address)
		require.ErrorIs(t, err, KindInvalidAddress, address)
	}
}

func TestStartBindFailed(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	s := &Server{Addr: taken.Addr().String(), Dialer: &transport.TCPDialer{}}
	status, err := s.Start()
	require.Equal(t, StatusBindFailed, status)
	require.ErrorIs(t, err, KindBind)
}

func TestStartWithoutDialer(t *testing.T) {
	status, err := (&Server{Addr: "127.0.0.1:0"}).Start()
	require.Equal(t, StatusInvalidConfig, status)
	require.ErrorIs(t, err, KindConfig)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
}

func TestShutdown(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	s := &Server{Dialer: originDialer(o, &dials), AcceptPollInterval: 20 * time.Millisecond, Addr: "127.0.0.1:0"}
	status, err := s.Start()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)

	c := dialClient(t, s.ListenAddr().String())
	c.get(t, "GET", "/", "origin.test")
	require.Equal(t, 1, s.Sessions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	status, err = s.Wait()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, 0, s.Sessions())
	require.Equal(t, 0, s.Pool().Len())

	_, err = c.br.ReadByte()
	require.Error(t, err)
	_, err = net.Dial("tcp", s.ListenAddr().String())
	require.Error(t, err)
}

func TestNewDialerErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Resolver = "https://dns.example"
	_, err := NewDialer(&cfg)
	require.Error(t, err)

	cfg = config.Default()
	cfg.UpstreamSOCKS5 = &config.SOCKS5Config{Address: "127.0.0.1:1080", Username: strings.Repeat("u", 300), Password: "p"}
	_, err = NewDialer(&cfg)
	require.Error(t, err)
}

func TestRequestsAroundUpstreamIdleTimeout(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	idle := 20 * time.Millisecond
	addr := startServer(t, &Server{Dialer: originDialer(o, &dials), UpstreamIdleTimeout: idle})

	c := dialClient(t, addr)
	for i := 0; i < 30; i++ {
		// Land close to the idle deadline of the pooled connection, on either side of it.
		time.Sleep(idle - 5*time.Millisecond + time.Duration(i%10)*time.Millisecond)
		c.SetDeadline(time.Now().Add(2 * time.Second))
		_, body := c.get(t, "GET", fmt.Sprintf("/idle/%d", i), "origin.test")
		require.Equal(t, fmt.Sprintf("uri=/idle/%d", i), body)
	}
}

func TestSlowResponseWithinTwoIdlePeriods(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	s := &Server{Dialer: originDialer(o, &dials), UpstreamIdleTimeout: 100 * time.Millisecond}
	addr := startServer(t, s)

	c := dialClient(t, addr)
	_, body := c.get(t, "GET", "/sleep?d=150ms", "origin.test")
	require.Equal(t, "slept", body)
	require.Equal(t, int32(1), dials.Load())
}

func TestSendRetriesWhenConnectionClosesBeforeWrite(t *testing.T) {
	o := startOrigin(t)
	var dials atomic.Int32
	var logs syncBuffer
	s := &Server{
		Dialer: originDialer(o, &dials),
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	addr := startServer(t, s)

	// The first client holds the only turn on the pooled connection.
	first := dialClient(t, addr)
	fmt.Fprintf(first, "GET /hold HTTP/1.1\r\nHost: origin.test\r\n\r\n")
	select {
	case <-o.held:
	case <-time.After(2 * time.Second):
		t.Fatal("origin did not receive the first request")
	}

	// The second client waits for that turn.
	second := dialClient(t, addr)
	fmt.Fprintf(second, "GET /second HTTP/1.1\r\nHost: origin.test\r\n\r\n")
	time.Sleep(50 * time.Millisecond)

	conn, isNew := s.Pool().Acquire("origin.test:80")
	require.False(t, isNew)
	conn.Close(errors.New("closed for test"))

	_, body := second.read(t, "GET")
	require.Equal(t, "uri=/second", body)
	require.Equal(t, int32(2), dials.Load())
	require.Contains(t, logs.String(), "retrying")
}
