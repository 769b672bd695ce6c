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
	"log/slog"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-httprelay/dispatch"
	"github.com/Jigsaw-Code/outline-httprelay/httpmsg"
	"github.com/Jigsaw-Code/outline-httprelay/pool"
	"github.com/Jigsaw-Code/outline-httprelay/rewrite"
)

// errIdle is the close cause of pooled connections that were idle for too long.
var errIdle = errors.New("idle upstream connection")

func (s *Server) startReader(conn *pool.Conn) {
	s.group.Go(func() error {
		stop := context.AfterFunc(s.ctx, func() { conn.Close(ErrServerClosed) })
		defer stop()
		r := &upstreamReader{
			server: s,
			conn:   conn,
			framer: httpmsg.NewFramer(s.MaxHeadBytes),
			logger: s.logger().With("host", conn.Host()),
		}
		r.run()
		return nil
	})
}

// upstreamReader frames the responses arriving on one pooled connection.
type upstreamReader struct {
	server *Server
	conn   *pool.Conn
	framer *httpmsg.Framer
	logger *slog.Logger
	// stalled is set when a read timed out with a request pending.
	stalled bool
}

func (r *upstreamReader) run() {
	sc := r.conn.StreamConn()
	idle := orDefault(r.server.UpstreamIdleTimeout, DefaultUpstreamIdleTimeout)
	buf := make([]byte, readBufferSize)
	for {
		sc.SetReadDeadline(time.Now().Add(idle))
		n, err := sc.Read(buf)
		if n > 0 {
			r.stalled = false
			r.framer.Feed(buf[:n])
			if ferr := r.dispatchFrames(); ferr != nil {
				r.logger.Warn("Closing upstream connection", "error", ferr)
				r.conn.Close(ferr)
				return
			}
		}
		if err != nil && !r.finish(err) {
			return
		}
	}
}

// finish handles a failed read. It delivers a response delimited by the close, if any, and closes
// the pooled connection. It returns true if the read timed out with a request pending for less than
// two idle periods, in which case the connection should be read again.
func (r *upstreamReader) finish(err error) bool {
	perr := readError("read from", r.conn.Host(), err)
	if errors.Is(r.conn.Err(), ErrServerClosed) {
		r.conn.Close(perr)
		return false
	}
	if perr.PeerClosed {
		frame, ferr := r.framer.Finish()
		if frame != nil {
			r.deliver(frame)
		}
		if ferr != nil {
			perr = &Error{Kind: KindReceive, Op: "read response from", Host: r.conn.Host(), PeerClosed: true, Err: ferr}
			r.logger.Info("Upstream closed mid-response", "error", perr)
		} else {
			r.logger.Debug("Upstream closed the connection")
		}
		r.conn.Close(perr)
		return false
	}
	if errors.Is(perr, KindTimeout) {
		if r.conn.CloseIfIdle(errIdle) {
			r.logger.Debug("Closed idle upstream connection")
			return false
		}
		// The pending request may have been sent right before the deadline. It gets one more
		// idle period to be answered.
		if !r.stalled && r.conn.Err() == nil {
			r.stalled = true
			return true
		}
	}
	if r.conn.Err() == nil {
		r.logger.Info("Failed to read from upstream", "error", perr)
	}
	r.conn.Close(perr)
	return false
}

// dispatchFrames queues every complete response. A non-nil result means the stream cannot be framed
// any further.
func (r *upstreamReader) dispatchFrames() error {
	for {
		var method string
		if p, ok := r.conn.Oldest(); ok {
			method = p.Method
		}
		frame, err := r.framer.NextResponse(method)
		if errors.Is(err, httpmsg.ErrIncomplete) {
			return nil
		}
		var fe *httpmsg.FramingError
		if errors.As(err, &fe) {
			perr := &Error{Kind: KindFraming, Op: "frame response from", Host: r.conn.Host(), Err: err}
			if fe.Fatal() {
				return perr
			}
			// The malformed response still answers the oldest request.
			r.logger.Warn("Dropped malformed response", "error", perr)
			r.conn.Complete()
			continue
		}
		if err != nil {
			return err
		}
		if frame.Message.Kind != httpmsg.KindResponse {
			return &Error{Kind: KindFraming, Op: "frame response from", Host: r.conn.Host(), Err: errors.New("origin sent a request")}
		}
		r.deliver(frame)
	}
}

// deliver queues a response for the client whose request it answers, then lets the next request
// through. Interim 1xx responses are forwarded without completing the request.
func (r *upstreamReader) deliver(frame *httpmsg.Frame) {
	msg := frame.Message
	p, ok := r.conn.Oldest()
	if !ok {
		r.logger.Warn("Dropped unsolicited response", "status", msg.StatusCode)
		return
	}
	data := r.transform(frame)
	if err := r.server.queue.Push(dispatch.Entry{ClientID: p.ClientID, Data: data}); err != nil {
		r.logger.Debug("Dropped response after shutdown", "client", p.ClientID)
	}
	if msg.StatusCode/100 == 1 {
		return
	}
	r.conn.Complete()
	r.logger.Debug("Response dispatched", "client", p.ClientID, "status", msg.StatusCode, "bytes", len(data))
}

// transform applies the rewriter to HTML bodies and returns the bytes to send to the client.
// Responses delimited by the connection close get a Content-Length, since the client connection
// stays open.
func (r *upstreamReader) transform(frame *httpmsg.Frame) []byte {
	msg := frame.Message
	body := msg.Body
	changed := false
	if r.server.Rewriter != nil && len(body) > 0 && rewrite.IsHTML(msg.ContentType) && isIdentity(msg.ContentEncoding) {
		rewritten := r.server.Rewriter.Rewrite(body, msg.ContentType)
		if len(rewritten) != len(body) || string(rewritten) != string(body) {
			body = rewritten
			changed = true
		}
	}
	if !changed && !frame.UntilClose {
		return frame.Raw
	}
	return msg.WithBody(body).Bytes()
}

func isIdentity(encoding string) bool {
	encoding = strings.TrimSpace(encoding)
	return encoding == "" || strings.EqualFold(encoding, "identity")
}
