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

package httpmsg

import (
	"bytes"
	"fmt"
)

// DefaultMaxHeadBytes is the largest head a [Framer] accepts unless configured otherwise.
const DefaultMaxHeadBytes = 64 * 1024

// Frame is one complete message taken off a stream.
type Frame struct {
	// Message has its Body set.
	Message *Message
	// Raw holds exactly the bytes the message occupied on the wire.
	Raw []byte
	// UntilClose is set on responses whose body was delimited by the end of the stream.
	UntilClose bool
}

// Framer reassembles messages from a byte stream delivered in arbitrary chunks.
// Splitting the same stream differently never changes the sequence of frames it returns.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	maxHead int
	buf     []byte
	// discard counts bytes of a dropped message that have not arrived yet.
	discard int
	// draining holds the head of a response whose body runs until the stream ends.
	draining *Message
	err      error
}

// NewFramer creates a [Framer] that rejects heads longer than maxHeadBytes.
// A non-positive value selects [DefaultMaxHeadBytes].
func NewFramer(maxHeadBytes int) *Framer {
	if maxHeadBytes <= 0 {
		maxHeadBytes = DefaultMaxHeadBytes
	}
	return &Framer{maxHead: maxHeadBytes}
}

// Feed appends bytes read from the stream.
func (f *Framer) Feed(p []byte) {
	if f.discard > 0 {
		n := min(f.discard, len(p))
		f.discard -= n
		p = p[n:]
	}
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes received but not yet returned in a frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Draining reports whether the current response is delimited by the end of the stream, in which
// case the caller must keep reading until EOF and then call [Framer.Finish].
func (f *Framer) Draining() bool {
	return f.draining != nil
}

// Next returns the next complete message on the stream, using the request rules for requests and
// the response rules for responses. See [Framer.NextResponse].
func (f *Framer) Next() (*Frame, error) {
	return f.next("")
}

// NextResponse is like [Framer.Next], but knows the method of the request the response answers,
// so that a response to HEAD is framed without a body.
//
// Body length rules: a request has a body only when it declares Content-Length. A response has
// no body when its status is 1xx, 204 or 304, or when it answers HEAD; otherwise it has
// Content-Length bytes of body, or runs until the stream ends when that header is absent.
// A 304 never waits for body bytes, even if it declares a Content-Length.
//
// It returns [ErrIncomplete] when more bytes are needed, and a [*FramingError] for a malformed
// message. After a non-fatal [*FramingError] the message has been dropped and Next can be called
// again. After a fatal one, the Framer keeps returning it.
func (f *Framer) NextResponse(requestMethod string) (*Frame, error) {
	return f.next(requestMethod)
}

func (f *Framer) next(requestMethod string) (*Frame, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.draining != nil {
		return nil, ErrIncomplete
	}
	end := bytes.Index(f.buf, headTerminator)
	if end < 0 {
		if len(f.buf) > f.maxHead {
			return nil, f.fail(&FramingError{Reason: fmt.Sprintf("head exceeds %d bytes", f.maxHead), Skip: -1})
		}
		return nil, ErrIncomplete
	}
	if end+len(headTerminator) > f.maxHead {
		return nil, f.fail(&FramingError{Reason: fmt.Sprintf("head exceeds %d bytes", f.maxHead), Skip: -1})
	}
	msg, err := ParseHead(f.buf)
	if err != nil {
		fe, ok := err.(*FramingError)
		if !ok || fe.Fatal() {
			return nil, f.fail(err)
		}
		f.drop(fe.Skip)
		return nil, fe
	}

	bodyLen, untilClose := bodyLength(msg, requestMethod)
	if untilClose {
		f.draining = msg
		f.buf = f.buf[msg.HeadLen():]
		return nil, ErrIncomplete
	}
	total := msg.HeadLen() + bodyLen
	if len(f.buf) < total {
		return nil, ErrIncomplete
	}
	raw := bytes.Clone(f.buf[:total])
	msg.Body = raw[msg.HeadLen():]
	f.buf = append(f.buf[:0], f.buf[total:]...)
	return &Frame{Message: msg, Raw: raw}, nil
}

// Finish is called once the stream has ended. It returns the response that was delimited by the
// end of the stream, if any. With nothing buffered it returns (nil, nil). Leftover bytes of an
// incomplete message yield [ErrTruncated].
func (f *Framer) Finish() (*Frame, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.draining != nil {
		msg := f.draining
		f.draining = nil
		msg.Body = f.buf
		f.buf = nil
		raw := msg.Bytes()
		msg.Body = raw[msg.HeadLen():]
		return &Frame{Message: msg, Raw: raw, UntilClose: true}, nil
	}
	if len(f.buf) > 0 || f.discard > 0 {
		return nil, ErrTruncated
	}
	return nil, nil
}

func (f *Framer) fail(err error) error {
	f.err = err
	f.buf = nil
	return err
}

func (f *Framer) drop(n int) {
	if n >= len(f.buf) {
		f.discard = n - len(f.buf)
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0], f.buf[n:]...)
}

func bodyLength(msg *Message, requestMethod string) (n int, untilClose bool) {
	if msg.Kind == KindRequest {
		return msg.ContentLength, false
	}
	switch {
	case msg.StatusCode/100 == 1, msg.StatusCode == 204, msg.StatusCode == 304, requestMethod == "HEAD":
		return 0, false
	case msg.HasContentLength:
		return msg.ContentLength, false
	default:
		return 0, true
	}
}
