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

package transport

import (
	"context"
	"errors"
	"net"
)

// StreamConn is a net.Conn that allows for closing only the reader or writer end of
// it, supporting half-open state.
type StreamConn interface {
	net.Conn
	// CloseRead closes the read end of the connection. No more reads should happen.
	CloseRead() error
	// CloseWrite closes the write end of the connection. A FIN may be sent to the peer.
	CloseWrite() error
}

// StreamDialer establishes stream connections to origin servers.
type StreamDialer interface {
	// DialStream connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	DialStream(ctx context.Context, raddr string) (StreamConn, error)
}

// FuncStreamDialer is a [StreamDialer] that uses the given function to dial.
type FuncStreamDialer func(ctx context.Context, addr string) (StreamConn, error)

var _ StreamDialer = (FuncStreamDialer)(nil)

// DialStream implements [StreamDialer].DialStream.
func (f FuncStreamDialer) DialStream(ctx context.Context, addr string) (StreamConn, error) {
	return f(ctx, addr)
}

// StreamEndpoint is a fixed destination for stream connections, such as an upstream proxy.
type StreamEndpoint interface {
	// ConnectStream establishes a connection with the endpoint.
	ConnectStream(ctx context.Context) (StreamConn, error)
}

// FuncStreamEndpoint is a [StreamEndpoint] that uses the given function to connect.
type FuncStreamEndpoint func(ctx context.Context) (StreamConn, error)

var _ StreamEndpoint = (FuncStreamEndpoint)(nil)

// ConnectStream implements [StreamEndpoint].ConnectStream.
func (f FuncStreamEndpoint) ConnectStream(ctx context.Context) (StreamConn, error) {
	return f(ctx)
}

// TCPDialer is a [StreamDialer] that uses the standard [net.Dialer] to dial TCP.
// The zero value is ready to use.
type TCPDialer struct {
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPDialer)(nil)

// DialStream implements [StreamDialer].DialStream.
func (d *TCPDialer) DialStream(ctx context.Context, addr string) (StreamConn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errors.New("dialer did not return a TCP connection")
	}
	return tcpConn, nil
}

// StreamDialerEndpoint is a [StreamEndpoint] that connects to Address with Dialer.
type StreamDialerEndpoint struct {
	Dialer  StreamDialer
	Address string
}

var _ StreamEndpoint = (*StreamDialerEndpoint)(nil)

// ConnectStream implements [StreamEndpoint].ConnectStream.
func (e *StreamDialerEndpoint) ConnectStream(ctx context.Context) (StreamConn, error) {
	return e.Dialer.DialStream(ctx, e.Address)
}
