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

/*
Package httpmsg frames HTTP/1.x messages out of a byte stream that arrives in arbitrary chunks.

[ParseHead] turns a message head into a [Message]. A [Framer] accumulates bytes and returns
complete messages together with the exact bytes they occupied, so that bytes belonging to the
next message are never dropped or duplicated.

Only the headers needed for routing and framing are interpreted: Host, Content-Length,
Content-Type, Content-Encoding and Connection. Chunked transfer-encoding is not supported.
*/
package httpmsg

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind tells whether a [Message] is a request or a response.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

var headTerminator = []byte("\r\n\r\n")

var methods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
	"PATCH":   true,
	"TRACE":   true,
	"CONNECT": true,
}

// IsMethod reports whether token is a request method the proxy recognizes.
func IsMethod(token string) bool {
	return methods[token]
}

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header holds the header fields of a message in wire order.
type Header []Field

// Get returns the first value for the case-insensitive name, or "" if there is none.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for the case-insensitive name.
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Message is the parsed view of one HTTP request or response.
// Exactly one of the request or response fields is populated, according to Kind.
type Message struct {
	Kind Kind

	// Request fields.
	Method string
	// Target is the request target as sent, either a path or an absolute URI.
	Target string
	Path   string
	Host   string

	// Response fields.
	StatusCode   int
	StatusPhrase string

	Version          string
	ContentType      string
	ContentEncoding  string
	Connection       string
	ContentLength    int
	HasContentLength bool
	Header           Header

	// Head is the raw head, including the terminating blank line.
	Head []byte
	Body []byte
}

// HeadLen is the number of bytes the head occupies on the wire.
func (m *Message) HeadLen() int {
	return len(m.Head)
}

// Bytes returns the message as it goes on the wire.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, len(m.Head)+len(m.Body))
	out = append(out, m.Head...)
	return append(out, m.Body...)
}

// RequestHead serializes the request line and Host header of a request message.
func (m *Message) RequestHead() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.Target, m.Version)
	if m.Host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", m.Host)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// WithBody returns a copy of m carrying body, with the Content-Length header set to its length.
// m is not modified.
func (m *Message) WithBody(body []byte) *Message {
	out := *m
	out.Body = body
	out.ContentLength = len(body)
	out.HasContentLength = true
	out.Header = setField(m.Header, "Content-Length", strconv.Itoa(len(body)))

	var head bytes.Buffer
	startLine, rest, _ := bytes.Cut(m.Head, []byte("\r\n"))
	head.Write(startLine)
	head.WriteString("\r\n")
	replaced := false
	for _, line := range bytes.Split(bytes.TrimSuffix(rest, headTerminator[2:]), []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		if name, _, ok := bytes.Cut(line, []byte(":")); ok && strings.EqualFold(string(bytes.TrimSpace(name)), "Content-Length") {
			if replaced {
				continue
			}
			line = []byte("Content-Length: " + strconv.Itoa(len(body)))
			replaced = true
		}
		head.Write(line)
		head.WriteString("\r\n")
	}
	if !replaced {
		head.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}
	head.WriteString("\r\n")
	out.Head = head.Bytes()
	return &out
}

func setField(h Header, name, value string) Header {
	out := make(Header, 0, len(h)+1)
	set := false
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			if !set {
				out = append(out, Field{Name: f.Name, Value: value})
				set = true
			}
			continue
		}
		out = append(out, f)
	}
	if !set {
		out = append(out, Field{Name: name, Value: value})
	}
	return out
}

// RequiredBodyLength returns the body length declared by Content-Length, or 0 when the header is
// absent. For a response, 0 without the header means the body runs until the connection closes.
func RequiredBodyLength(h Header) (int, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, nil
	}
	length := -1
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			n, err := strconv.ParseUint(part, 10, 31)
			if err != nil {
				return 0, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", part), Skip: -1, Err: err}
			}
			if length >= 0 && int(n) != length {
				return 0, &FramingError{Reason: "conflicting Content-Length values", Skip: -1}
			}
			length = int(n)
		}
	}
	return length, nil
}

// ParseHead parses the head at the start of b, which must contain the blank line that terminates
// it. It returns [ErrIncomplete] if the terminator is missing. Bytes after the head are ignored.
func ParseHead(b []byte) (*Message, error) {
	end := bytes.Index(b, headTerminator)
	if end < 0 {
		return nil, ErrIncomplete
	}
	headLen := end + len(headTerminator)
	lines := strings.Split(string(b[:end]), "\r\n")

	msg := &Message{Head: bytes.Clone(b[:headLen])}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		msg.Header = append(msg.Header, Field{Name: strings.TrimSpace(name), Value: strings.Trim(value, " \t")})
	}
	length, err := RequiredBodyLength(msg.Header)
	if err != nil {
		return nil, err
	}
	msg.ContentLength = length
	msg.HasContentLength = len(msg.Header.Values("Content-Length")) > 0
	msg.Host = msg.Header.Get("Host")
	msg.ContentType = msg.Header.Get("Content-Type")
	msg.ContentEncoding = msg.Header.Get("Content-Encoding")
	msg.Connection = msg.Header.Get("Connection")

	if err := parseStartLine(msg, lines[0]); err != nil {
		skip := -1
		if msg.HasContentLength {
			skip = headLen + length
		}
		return nil, &FramingError{Reason: err.Error(), Skip: skip}
	}
	return msg, nil
}

func parseStartLine(msg *Message, line string) error {
	first, rest, _ := strings.Cut(line, " ")
	switch {
	case IsMethod(first):
		target, version, ok := strings.Cut(rest, " ")
		if !ok || target == "" || !strings.HasPrefix(version, "HTTP/") || strings.Contains(version, " ") {
			return fmt.Errorf("malformed request line %q", line)
		}
		msg.Kind = KindRequest
		msg.Method = first
		msg.Target = target
		msg.Version = version
		msg.Path = target
		if first == "CONNECT" {
			if msg.Host == "" {
				msg.Host = target
			}
			return nil
		}
		if u, err := url.Parse(target); err == nil && u.IsAbs() {
			msg.Path = u.RequestURI()
			if msg.Host == "" {
				msg.Host = u.Host
			}
		}
		return nil
	case strings.HasPrefix(first, "HTTP"):
		code, phrase, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil || len(code) != 3 || status < 100 {
			return fmt.Errorf("malformed status line %q", line)
		}
		msg.Kind = KindResponse
		msg.Version = first
		msg.StatusCode = status
		msg.StatusPhrase = phrase
		return nil
	default:
		return fmt.Errorf("unrecognized start line %q", line)
	}
}

// OriginForm rewrites an absolute-form request target in the request line of raw
// ("GET http://host/p HTTP/1.1") to origin form ("GET /p HTTP/1.1"). Any other input is returned
// unchanged. The result never aliases raw.
func OriginForm(raw []byte) []byte {
	lineEnd := bytes.Index(raw, []byte("\r\n"))
	if lineEnd < 0 {
		return bytes.Clone(raw)
	}
	parts := strings.SplitN(string(raw[:lineEnd]), " ", 3)
	if len(parts) != 3 || !IsMethod(parts[0]) {
		return bytes.Clone(raw)
	}
	u, err := url.Parse(parts[1])
	if err != nil || !u.IsAbs() || u.Host == "" {
		return bytes.Clone(raw)
	}
	out := make([]byte, 0, len(raw))
	out = append(out, parts[0]+" "+u.RequestURI()+" "+parts[2]...)
	return append(out, raw[lineEnd:]...)
}
