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

package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
)

// NewStreamDialer creates a [transport.StreamDialer] that resolves the host of every address with
// resolver and dials the resulting IPv4 address with dialer. IP literals skip resolution.
func NewStreamDialer(resolver Resolver, dialer transport.StreamDialer) (transport.StreamDialer, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			ip, err = resolver.LookupIPv4(ctx, host)
			if err != nil {
				return nil, &LookupError{Host: host, Err: err}
			}
		}
		return dialer.DialStream(ctx, net.JoinHostPort(ip.String(), port))
	}), nil
}
