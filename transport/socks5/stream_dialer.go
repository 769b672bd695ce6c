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
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
)

type credentials struct {
	username []byte
	password []byte
}

// Option configures a [StreamDialer].
type Option func(d *StreamDialer) error

// WithCredentials makes the dialer authenticate with username/password.
func WithCredentials(username, password string) Option {
	return func(d *StreamDialer) error {
		if len(username) == 0 || len(username) > 255 {
			return errors.New("username must be between 1 and 255 bytes")
		}
		if len(password) == 0 || len(password) > 255 {
			return errors.New("password must be between 1 and 255 bytes")
		}
		d.cred = &credentials{username: []byte(username), password: []byte(password)}
		return nil
	}
}

// StreamDialer is a [transport.StreamDialer] that tunnels every connection through a SOCKS5 proxy.
type StreamDialer struct {
	proxyEndpoint transport.StreamEndpoint
	cred          *credentials
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a [StreamDialer] for the SOCKS5 proxy reachable at endpoint.
func NewStreamDialer(endpoint transport.StreamEndpoint, opts ...Option) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	d := &StreamDialer{proxyEndpoint: endpoint}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DialStream implements [transport.StreamDialer].DialStream.
//
// The method selection, the credentials and the CONNECT request go out in a single write,
// since only one method is ever offered. A server-side failure is returned as a [ReplyCode].
func (d *StreamDialer) DialStream(ctx context.Context, remoteAddr string) (transport.StreamConn, error) {
	proxyConn, err := d.proxyEndpoint.ConnectStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to SOCKS5 proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	}
	if err := d.handshake(proxyConn, remoteAddr); err != nil {
		proxyConn.Close()
		return nil, err
	}
	proxyConn.SetDeadline(time.Time{})
	return proxyConn, nil
}

func (d *StreamDialer) handshake(rw io.ReadWriter, remoteAddr string) error {
	req := make([]byte, 0, 3+3+255+255+4+256)
	if d.cred == nil {
		req = append(req, version5, 1, authMethodNoAuth)
	} else {
		req = append(req, version5, 1, authMethodUserPass)
		req = append(req, authUserPassV1, byte(len(d.cred.username)))
		req = append(req, d.cred.username...)
		req = append(req, byte(len(d.cred.password)))
		req = append(req, d.cred.password...)
	}
	req = append(req, version5, cmdConnect, 0)
	req, err := appendAddress(req, remoteAddr)
	if err != nil {
		return fmt.Errorf("failed to encode destination address: %w", err)
	}
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("failed to write SOCKS5 request: %w", err)
	}

	var buf [1 + 255 + 2]byte
	if _, err := io.ReadFull(rw, buf[:2]); err != nil {
		return fmt.Errorf("failed to read method selection: %w", err)
	}
	if buf[0] != version5 {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buf[0])
	}
	switch buf[1] {
	case authMethodNoAuth:
	case authMethodUserPass:
		if _, err := io.ReadFull(rw, buf[:2]); err != nil {
			return fmt.Errorf("failed to read authentication status: %w", err)
		}
		if buf[0] != authUserPassV1 {
			return fmt.Errorf("invalid authentication version %v. Expected 1", buf[0])
		}
		if buf[1] != 0 {
			return fmt.Errorf("authentication failed: status %v", buf[1])
		}
	default:
		return fmt.Errorf("unsupported SOCKS authentication method %v", buf[1])
	}

	// VER | REP | RSV | ATYP, followed by BND.ADDR and BND.PORT which are discarded.
	if _, err := io.ReadFull(rw, buf[:4]); err != nil {
		return fmt.Errorf("failed to read connect reply: %w", err)
	}
	if buf[0] != version5 {
		return fmt.Errorf("invalid protocol version %v. Expected 5", buf[0])
	}
	if buf[1] != 0 {
		return ReplyCode(buf[1])
	}
	var addrLen int
	switch buf[3] {
	case addrTypeIPv4:
		addrLen = 4
	case addrTypeIPv6:
		addrLen = 16
	case addrTypeDomainName:
		if _, err := io.ReadFull(rw, buf[:1]); err != nil {
			return fmt.Errorf("failed to read bound address length: %w", err)
		}
		addrLen = int(buf[0])
	default:
		return fmt.Errorf("invalid address type %v", buf[3])
	}
	if _, err := io.ReadFull(rw, buf[:addrLen+2]); err != nil {
		return fmt.Errorf("failed to read bound address: %w", err)
	}
	return nil
}
