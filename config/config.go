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

// Package config defines the settings of the forward proxy and loads them from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/rewrite"
	"gopkg.in/yaml.v3"
)

// DefaultListen is the address the proxy listens on when none is configured.
const DefaultListen = "127.0.0.1:27777"

// Config holds every setting of the proxy.
type Config struct {
	Listen string `yaml:"listen"`
	// ClientIdleTimeout closes client sessions that send nothing for this long.
	ClientIdleTimeout time.Duration `yaml:"client_idle_timeout"`
	// UpstreamIdleTimeout closes pooled connections that receive nothing for this long.
	UpstreamIdleTimeout time.Duration `yaml:"upstream_idle_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	// AcceptPollInterval bounds how long the accept loop goes without checking for shutdown.
	AcceptPollInterval time.Duration `yaml:"accept_poll_interval"`
	MaxInFlight        int           `yaml:"max_in_flight"`
	MaxHeadBytes       int           `yaml:"max_head_bytes"`
	// Resolver is "system", "udp://host[:port]" or "tcp://host[:port]".
	Resolver            string        `yaml:"resolver"`
	UpstreamSOCKS5      *SOCKS5Config `yaml:"upstream_socks5"`
	AcceptProxyProtocol bool          `yaml:"accept_proxy_protocol"`
	Rewrite             RewriteConfig `yaml:"rewrite"`
	LogLevel            string        `yaml:"log_level"`
}

// SOCKS5Config routes upstream connections through a SOCKS5 proxy.
type SOCKS5Config struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RewriteConfig controls the substitutions applied to HTML responses.
type RewriteConfig struct {
	Enabled      bool                  `yaml:"enabled"`
	Replacements []rewrite.Replacement `yaml:"replacements"`
}

// Default returns the configuration used for anything a config file leaves out.
func Default() Config {
	return Config{
		Listen:              DefaultListen,
		ClientIdleTimeout:   10 * time.Second,
		UpstreamIdleTimeout: 60 * time.Second,
		ConnectTimeout:      10 * time.Second,
		AcceptPollInterval:  time.Second,
		MaxInFlight:         1,
		MaxHeadBytes:        64 * 1024,
		Resolver:            "system",
		Rewrite: RewriteConfig{
			Enabled:      true,
			Replacements: rewrite.DefaultReplacements(),
		},
		LogLevel: "info",
	}
}

// Parse decodes a YAML document on top of [Default]. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"client_idle_timeout":   c.ClientIdleTimeout,
		"upstream_idle_timeout": c.UpstreamIdleTimeout,
		"connect_timeout":       c.ConnectTimeout,
		"accept_poll_interval":  c.AcceptPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%v must be positive, got %v", name, d))
		}
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("max_in_flight must be at least 1, got %v", c.MaxInFlight))
	}
	if c.MaxHeadBytes < 64 {
		errs = append(errs, fmt.Errorf("max_head_bytes must be at least 64, got %v", c.MaxHeadBytes))
	}
	if r := strings.TrimSpace(c.Resolver); r != "" && r != "system" && !strings.HasPrefix(r, "udp://") && !strings.HasPrefix(r, "tcp://") {
		errs = append(errs, fmt.Errorf("resolver %q must be system, udp://host[:port] or tcp://host[:port]", c.Resolver))
	}
	if s := c.UpstreamSOCKS5; s != nil {
		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			errs = append(errs, fmt.Errorf("upstream_socks5.address: %w", err))
		}
		if (s.Username == "") != (s.Password == "") {
			errs = append(errs, errors.New("upstream_socks5 needs both username and password, or neither"))
		}
	}
	for i, rep := range c.Rewrite.Replacements {
		if rep.Old == "" {
			errs = append(errs, fmt.Errorf("rewrite.replacements[%d].old must not be empty", i))
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel to a [slog.Level].
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
