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
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// ErrNoIPv4 is returned when a name resolves, but not to any IPv4 address.
var ErrNoIPv4 = errors.New("no IPv4 address found")

// Resolver maps a host name to the IPv4 address used to connect to it.
type Resolver interface {
	// LookupIPv4 returns the first IPv4 address of host.
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

// FuncResolver is a [Resolver] that uses the given function to resolve.
type FuncResolver func(ctx context.Context, host string) (netip.Addr, error)

var _ Resolver = (FuncResolver)(nil)

// LookupIPv4 implements [Resolver].LookupIPv4.
func (f FuncResolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	return f(ctx, host)
}

// LookupError reports a failure to resolve Host.
type LookupError struct {
	Host string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("failed to resolve %v: %v", e.Host, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// NewSystemResolver creates a [Resolver] backed by r. A nil r means [net.DefaultResolver].
func NewSystemResolver(r *net.Resolver) Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return FuncResolver(func(ctx context.Context, host string) (netip.Addr, error) {
		addrs, err := r.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			return netip.Addr{}, err
		}
		for _, addr := range addrs {
			if addr = addr.Unmap(); addr.Is4() {
				return addr, nil
			}
		}
		return netip.Addr{}, ErrNoIPv4
	})
}

// NewQueryResolver creates a [Resolver] that sends A queries through rt and returns the first
// A record of the answer.
func NewQueryResolver(rt RoundTripper) Resolver {
	return FuncResolver(func(ctx context.Context, host string) (netip.Addr, error) {
		q, err := NewQuestion(host, dnsmessage.TypeA)
		if err != nil {
			return netip.Addr{}, err
		}
		msg, err := rt.RoundTrip(ctx, *q)
		if err != nil {
			return netip.Addr{}, err
		}
		if msg.RCode != dnsmessage.RCodeSuccess {
			return netip.Addr{}, fmt.Errorf("got %v (%d)", msg.RCode.String(), msg.RCode)
		}
		for _, answer := range msg.Answers {
			if rr, ok := answer.Body.(*dnsmessage.AResource); ok {
				return netip.AddrFrom4(rr.A), nil
			}
		}
		return netip.Addr{}, ErrNoIPv4
	})
}

// NewResolverFromURL creates a [Resolver] from a textual config:
//
//	system              the operating system resolver
//	udp://8.8.8.8:53    A queries over UDP
//	tcp://1.1.1.1       A queries over TCP (port 53 when absent)
//
// The TCP variant dials the resolver with sd.
func NewResolverFromURL(config string, sd transport.StreamDialer) (Resolver, error) {
	config = strings.TrimSpace(config)
	if config == "" || config == "system" {
		return NewSystemResolver(nil), nil
	}
	u, err := url.Parse(config)
	if err != nil {
		return nil, fmt.Errorf("invalid resolver config %q: %w", config, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("resolver config %q has no address", config)
	}
	addr := ensurePort(u.Host, "53")
	switch strings.ToLower(u.Scheme) {
	case "udp":
		return NewQueryResolver(NewUDPRoundTripper(&transport.UDPDialer{}, addr)), nil
	case "tcp":
		if sd == nil {
			sd = &transport.TCPDialer{}
		}
		return NewQueryResolver(NewTCPRoundTripper(sd, addr)), nil
	default:
		return nil, fmt.Errorf("unsupported resolver scheme %q", u.Scheme)
	}
}

func ensurePort(address string, defaultPort string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), defaultPort)
}
