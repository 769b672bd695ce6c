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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"

	"github.com/Jigsaw-Code/outline-httprelay/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// RoundTripper executes a single DNS exchange.
type RoundTripper interface {
	RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncRoundTripper is a [RoundTripper] that uses the given function for the exchange.
type FuncRoundTripper func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

// RoundTrip implements [RoundTripper].RoundTrip.
func (f FuncRoundTripper) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion creates an INET [dnsmessage.Question] for domain. The name does not need to be
// fully qualified.
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	if len(domain) == 0 || domain[len(domain)-1] != '.' {
		domain += "."
	}
	name, err := dnsmessage.NewName(domain)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return &dnsmessage.Question{Name: name, Type: qtype, Class: dnsmessage.ClassINET}, nil
}

// Largest UDP response we accept without EDNS(0).
const maxUDPMessageSize = 512

func buildQuery(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}
	return b.Finish()
}

func foldCase(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		if foldCase(x.Data[i]) != foldCase(y.Data[i]) {
			return false
		}
	}
	return true
}

// checkResponse matches a response to its query, following https://datatracker.ietf.org/doc/html/rfc5452#section-4.
func checkResponse(id uint16, q dnsmessage.Question, msg *dnsmessage.Message) error {
	if !msg.Header.Response {
		return errors.New("response bit not set")
	}
	if msg.Header.ID != id {
		return fmt.Errorf("message id does not match. Expected %v, got %v", id, msg.Header.ID)
	}
	if len(msg.Questions) == 0 {
		return errors.New("no questions in response")
	}
	respQ := msg.Questions[0]
	if respQ.Type != q.Type || respQ.Class != q.Class || !equalASCIIName(respQ.Name, q.Name) {
		return errors.New("response question doesn't match request")
	}
	return nil
}

// exchangeStream sends q with the 2-byte length prefix used over TCP.
func exchangeStream(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	buf, err := buildQuery(id, q, make([]byte, 2, 2+maxUDPMessageSize))
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf, uint16(len(buf)-2))
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	resp := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(resp); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
	}
	if err := checkResponse(id, q, &msg); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &msg, nil
}

// exchangePacket sends q as a single datagram and skips any reply that doesn't match it.
func exchangePacket(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	id := uint16(rand.Uint32())
	query, err := buildQuery(id, q, make([]byte, 0, maxUDPMessageSize))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}
	buf := make([]byte, maxUDPMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		var msg dnsmessage.Message
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if err := checkResponse(id, q, &msg); err != nil {
			continue
		}
		return &msg, nil
	}
}

func withDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
}

// NewTCPRoundTripper creates a [RoundTripper] that queries resolverAddr over [DNS-over-TCP],
// opening a new connection with sd for every query.
//
// [DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.2
func NewTCPRoundTripper(sd transport.StreamDialer, resolverAddr string) RoundTripper {
	return FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := sd.DialStream(ctx, resolverAddr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		withDeadline(ctx, conn)
		return exchangeStream(conn, q)
	})
}

// NewUDPRoundTripper creates a [RoundTripper] that queries resolverAddr over [DNS-over-UDP],
// using a new socket from pd for every query.
//
// [DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
func NewUDPRoundTripper(pd transport.PacketDialer, resolverAddr string) RoundTripper {
	return FuncRoundTripper(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := pd.DialPacket(ctx, resolverAddr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		withDeadline(ctx, conn)
		return exchangePacket(conn, q)
	})
}
