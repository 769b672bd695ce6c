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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/httpmsg"
	"github.com/Jigsaw-Code/outline-httprelay/pool"
)

const readBufferSize = 32 * 1024

// session owns one accepted client connection.
type session struct {
	id     uint64
	conn   net.Conn
	server *Server
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ io.WriteCloser = (*session)(nil)

// Write sends a response to the client. It is only called by the response writer.
func (c *session) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(orDefault(c.server.ClientIdleTimeout, DefaultClientIdleTimeout)))
	return c.conn.Write(p)
}

// Close closes the client connection and forgets the session. It is safe to call more than once.
func (c *session) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.server.removeSession(c.id)
		err = c.conn.Close()
	})
	return err
}

func (c *session) run(ctx context.Context) {
	defer c.Close()
	c.logger.Debug("Client connected", "address", c.conn.RemoteAddr().String())

	idle := orDefault(c.server.ClientIdleTimeout, DefaultClientIdleTimeout)
	framer := httpmsg.NewFramer(c.server.MaxHeadBytes)
	buf := make([]byte, readBufferSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		n, err := c.conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			if !c.handleFrames(ctx, framer) {
				return
			}
		}
		if err != nil {
			perr := readError("read from client", "", err)
			switch {
			case ctx.Err() != nil:
			case errors.Is(perr, KindTimeout):
				c.logger.Debug("Closing idle client session")
			case perr.PeerClosed:
				c.logger.Debug("Client disconnected")
			default:
				c.logger.Info("Failed to read from client", "error", perr)
			}
			return
		}
	}
}

// handleFrames routes every complete request in framer. It returns false if the session must end.
func (c *session) handleFrames(ctx context.Context, framer *httpmsg.Framer) bool {
	for {
		frame, err := framer.Next()
		if errors.Is(err, httpmsg.ErrIncomplete) {
			return true
		}
		var fe *httpmsg.FramingError
		if errors.As(err, &fe) {
			perr := &Error{Kind: KindFraming, Op: "frame client request", Err: err}
			if fe.Fatal() {
				c.logger.Warn("Closing client session", "error", perr)
				return false
			}
			c.logger.Warn("Dropped malformed request", "error", perr)
			continue
		}
		if err != nil {
			c.logger.Warn("Closing client session", "error", err)
			return false
		}
		if frame.Message.Kind != httpmsg.KindRequest {
			c.logger.Warn("Dropped response sent by client")
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

// hostKey turns a Host header value into the host:port key of the pool.
func hostKey(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("request has no host")
	}
	if h, port, err := net.SplitHostPort(host); err == nil {
		if h == "" || port == "" {
			return "", errors.New("invalid host " + host)
		}
		return net.JoinHostPort(h, port), nil
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "80"), nil
}

func (c *session) handleRequest(ctx context.Context, frame *httpmsg.Frame) {
	msg := frame.Message
	logger := c.logger.With("method", msg.Method, "path", msg.Path)
	if msg.Method == "CONNECT" {
		logger.Info("Refusing CONNECT request", "host", msg.Host)
		return
	}
	host, err := hostKey(msg.Host)
	if err != nil {
		logger.Info("Dropped request", "error", err)
		return
	}
	logger = logger.With("host", host)
	raw := httpmsg.OriginForm(frame.Raw)

	// A connection that was closed before the request went out is replaced once.
	for attempt := 0; ; attempt++ {
		conn, err := c.upstream(ctx, host)
		if err != nil {
			logger.Info("Failed to reach origin", "error", err)
			return
		}
		err = conn.Send(ctx, pool.Pending{ClientID: c.id, Method: msg.Method}, raw)
		if err == nil {
			logger.Debug("Request sent")
			return
		}
		if errors.Is(err, pool.ErrClosed) && attempt == 0 && ctx.Err() == nil {
			logger.Debug("Upstream connection closed before the request was sent, retrying", "error", err)
			continue
		}
		conn.Close(err)
		logger.Info("Failed to send request", "error", &Error{Kind: KindSend, Op: "send request to", Host: host, Err: err})
		return
	}
}

// upstream returns the connected pooled connection for host, connecting it and starting its
// reader if it is new.
func (c *session) upstream(ctx context.Context, host string) (*pool.Conn, error) {
	conn, isNew := c.server.pool.Acquire(host)
	connectCtx, cancel := context.WithTimeout(ctx, orDefault(c.server.ConnectTimeout, DefaultConnectTimeout))
	defer cancel()
	if !isNew {
		if err := conn.Wait(connectCtx); err != nil {
			return nil, dialError(host, err)
		}
		return conn, nil
	}
	if err := conn.Connect(connectCtx, host); err != nil {
		return nil, dialError(host, err)
	}
	c.logger.Debug("Opened upstream connection", "host", host)
	c.server.startReader(conn)
	return conn, nil
}
