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
	"errors"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/Jigsaw-Code/outline-httprelay/dns"
)

// Kind classifies the failures of the proxy. A Kind is itself an error, so that
// errors.Is(err, KindTimeout) can be used on any error carrying it.
type Kind int

const (
	KindSocketCreation Kind = iota + 1
	KindBind
	KindListen
	KindAccept
	KindResolution
	KindConnect
	KindSend
	KindReceive
	KindFraming
	KindTimeout
	KindInvalidAddress
	KindSocketOption
	KindConfig
)

var kindNames = map[Kind]string{
	KindSocketCreation: "socket creation",
	KindBind:           "bind",
	KindListen:         "listen",
	KindAccept:         "accept",
	KindResolution:     "resolution",
	KindConnect:        "connect",
	KindSend:           "send",
	KindReceive:        "receive",
	KindFraming:        "framing",
	KindTimeout:        "timeout",
	KindInvalidAddress: "invalid address",
	KindSocketOption:   "socket option",
	KindConfig:         "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) Error() string {
	return k.String() + " error"
}

// Error is a failure of a proxy operation.
type Error struct {
	Kind Kind
	// Op describes the operation that failed.
	Op string
	// Host is the origin host key, if any.
	Host string
	// PeerClosed is set on receive errors caused by the peer closing the connection, as opposed to
	// a failed read.
	PeerClosed bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error() + ": " + e.Op
	if e.Host != "" {
		msg += " " + e.Host
	}
	if e.PeerClosed {
		msg += ": closed by peer"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the [Kind] of the error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Status is the outcome of running the server, usable as a process exit code.
type Status int

const (
	StatusSuccess              Status = 0
	StatusSocketCreationFailed Status = 1
	StatusBindFailed           Status = 2
	StatusListenFailed         Status = 3
	StatusAcceptFailed         Status = 4
	StatusInvalidAddress       Status = 5
	// The server never stops with StatusConnectFailed: connect failures only affect the request
	// that caused them.
	StatusConnectFailed      Status = 6
	StatusSocketOptionFailed Status = 7
	// StatusInvalidConfig reports settings that were rejected before any socket was created.
	StatusInvalidConfig Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSocketCreationFailed:
		return "socket creation failed"
	case StatusBindFailed:
		return "bind failed"
	case StatusListenFailed:
		return "listen failed"
	case StatusAcceptFailed:
		return "accept failed"
	case StatusInvalidAddress:
		return "invalid address"
	case StatusConnectFailed:
		return "connect failed"
	case StatusSocketOptionFailed:
		return "socket option failed"
	case StatusInvalidConfig:
		return "invalid config"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// StatusOf maps an error returned by the server to its [Status].
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return StatusAcceptFailed
	}
	switch proxyErr.Kind {
	case KindSocketCreation:
		return StatusSocketCreationFailed
	case KindBind:
		return StatusBindFailed
	case KindListen:
		return StatusListenFailed
	case KindInvalidAddress:
		return StatusInvalidAddress
	case KindSocketOption:
		return StatusSocketOptionFailed
	case KindConfig:
		return StatusInvalidConfig
	case KindConnect, KindResolution:
		return StatusConnectFailed
	default:
		return StatusAcceptFailed
	}
}

// listenError classifies an error from creating the listening socket by the system call that
// failed.
func listenError(address string, err error) *Error {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}
	kind := KindListen
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		switch syscallErr.Syscall {
		case "socket":
			kind = KindSocketCreation
		case "bind":
			kind = KindBind
		case "setsockopt":
			kind = KindSocketOption
		}
	}
	return &Error{Kind: kind, Op: "listen on", Host: address, Err: err}
}

// dialError classifies an error from connecting to an origin.
func dialError(host string, err error) *Error {
	kind := KindConnect
	var lookupErr *dns.LookupError
	var netErr net.Error
	switch {
	case errors.As(err, &lookupErr):
		kind = KindResolution
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: "connect to", Host: host, Err: err}
}

// readError classifies an error from reading a socket.
func readError(op, host string, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return &Error{Kind: KindReceive, Op: op, Host: host, PeerClosed: true, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Op: op, Host: host, Err: err}
	default:
		return &Error{Kind: KindReceive, Op: op, Host: host, Err: err}
	}
}

func invalidAddress(address string, reason string) *Error {
	return &Error{Kind: KindInvalidAddress, Op: "parse address", Host: address, Err: errors.New(reason)}
}
