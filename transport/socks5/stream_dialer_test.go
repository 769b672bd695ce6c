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

package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
)

func TestNewStreamDialerNil(t *testing.T) {
	dialer, err := NewStreamDialer(nil)
	require.Nil(t, dialer)
	require.Error(t, err)
}

func TestNewStreamDialerBadCredentials(t *testing.T) {
	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: "127.0.0.1:1080"}
	_, err := NewStreamDialer(endpoint, WithCredentials("", "pass"))
	require.Error(t, err)
	_, err = NewStreamDialer(endpoint, WithCredentials("user", ""))
	require.Error(t, err)
}

// startEchoOrigin accepts one connection and echoes what it reads.
func startEchoOrigin(t *testing.T) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return listener
}

func startSOCKS5Server(t *testing.T, opts ...socks5.Option) string {
	server := socks5.NewServer(opts...)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.Logf("SOCKS5 server stopped: %v", err)
		}
	}()
	return listener.Addr().String()
}

func exchange(t *testing.T, dialer transport.StreamDialer, origin string) {
	conn, err := dialer.DialStream(context.Background(), origin)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("GET / HTTP/1.1\r\nHost: origin\r\n\r\n")
	_, err = conn.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestDialStreamNoAuth(t *testing.T) {
	origin := startEchoOrigin(t)
	proxyAddr := startSOCKS5Server(t)

	dialer, err := NewStreamDialer(&transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: proxyAddr})
	require.NoError(t, err)
	exchange(t, dialer, origin.Addr().String())
}

func TestDialStreamUserPass(t *testing.T) {
	origin := startEchoOrigin(t)
	cator := socks5.UserPassAuthenticator{Credentials: socks5.StaticCredentials{
		"relay": "secret",
	}}
	proxyAddr := startSOCKS5Server(t, socks5.WithAuthMethods([]socks5.Authenticator{cator}))

	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: proxyAddr}
	dialer, err := NewStreamDialer(endpoint, WithCredentials("relay", "secret"))
	require.NoError(t, err)
	exchange(t, dialer, origin.Addr().String())

	badDialer, err := NewStreamDialer(endpoint, WithCredentials("relay", "wrong"))
	require.NoError(t, err)
	_, err = badDialer.DialStream(context.Background(), origin.Addr().String())
	require.Error(t, err)
}

func TestDialStreamReplyCodes(t *testing.T) {
	for _, replyCode := range []ReplyCode{
		ErrGeneralServerFailure,
		ErrConnectionRefused,
		ErrHostUnreachable,
		ReplyCode(0xff),
	} {
		t.Run(fmt.Sprintf("ReplyCode=%v", byte(replyCode)), func(t *testing.T) {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer listener.Close()

			var running sync.WaitGroup
			running.Add(1)
			go func() {
				defer running.Done()
				conn, err := listener.Accept()
				if !assert.NoError(t, err) {
					return
				}
				defer conn.Close()
				// Method selection (3 bytes) and a CONNECT for an IPv4 address (10 bytes).
				req := make([]byte, 3+10)
				_, err = io.ReadFull(conn, req)
				assert.NoError(t, err)
				_, err = conn.Write([]byte{5, authMethodNoAuth, 5, byte(replyCode), 0, addrTypeIPv4, 0, 0, 0, 0, 0, 0})
				assert.NoError(t, err)
			}()

			dialer, err := NewStreamDialer(&transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: listener.Addr().String()})
			require.NoError(t, err)
			conn, err := dialer.DialStream(context.Background(), "10.0.0.1:80")
			require.Nil(t, conn)
			require.ErrorIs(t, err, replyCode)
			var extracted ReplyCode
			require.True(t, errors.As(err, &extracted))
			require.Equal(t, replyCode, extracted)
			running.Wait()
		})
	}
}

func TestStreamDialerEndpointError(t *testing.T) {
	errRefused := errors.New("connection refused")
	endpoint := transport.FuncStreamEndpoint(func(ctx context.Context) (transport.StreamConn, error) {
		return nil, errRefused
	})
	dialer, err := NewStreamDialer(endpoint)
	require.NoError(t, err)
	_, err = dialer.DialStream(context.Background(), "example.com:80")
	require.ErrorIs(t, err, errRefused)
}
