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
	"fmt"
	"log/slog"

	"github.com/Jigsaw-Code/outline-httprelay/config"
	"github.com/Jigsaw-Code/outline-httprelay/dns"
	"github.com/Jigsaw-Code/outline-httprelay/rewrite"
	"github.com/Jigsaw-Code/outline-httprelay/transport"
	"github.com/Jigsaw-Code/outline-httprelay/transport/socks5"
)

// NewDialer creates the origin dialer described by cfg: names are resolved with the configured
// resolver and connections go out directly or through the configured SOCKS5 proxy.
func NewDialer(cfg *config.Config) (transport.StreamDialer, error) {
	var base transport.StreamDialer = &transport.TCPDialer{}
	if s := cfg.UpstreamSOCKS5; s != nil {
		var opts []socks5.Option
		if s.Username != "" {
			opts = append(opts, socks5.WithCredentials(s.Username, s.Password))
		}
		endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: s.Address}
		sd, err := socks5.NewStreamDialer(endpoint, opts...)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream_socks5: %w", err)
		}
		base = sd
	}
	resolver, err := dns.NewResolverFromURL(cfg.Resolver, &transport.TCPDialer{})
	if err != nil {
		return nil, err
	}
	return dns.NewStreamDialer(resolver, base)
}

// NewServer creates a [Server] from a validated cfg.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	dialer, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		Addr:                cfg.Listen,
		Dialer:              dialer,
		ClientIdleTimeout:   cfg.ClientIdleTimeout,
		UpstreamIdleTimeout: cfg.UpstreamIdleTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		AcceptPollInterval:  cfg.AcceptPollInterval,
		MaxInFlight:         cfg.MaxInFlight,
		MaxHeadBytes:        cfg.MaxHeadBytes,
		AcceptProxyProtocol: cfg.AcceptProxyProtocol,
		Logger:              logger,
	}
	if cfg.Rewrite.Enabled {
		srv.Rewriter = rewrite.NewHTMLReplacer(cfg.Rewrite.Replacements)
	}
	return srv, nil
}
