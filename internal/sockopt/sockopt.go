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

// Package sockopt sets the socket options the proxy needs on its listening socket.
package sockopt

import (
	"fmt"
	"net"
	"syscall"
)

// ReuseAddrControl enables SO_REUSEADDR on the socket. It has the signature of
// [net.ListenConfig].Control.
func ReuseAddrControl(network, address string, rc syscall.RawConn) error {
	var opErr error
	err := rc.Control(func(fd uintptr) {
		opErr = setReuseAddr(fd)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR on %v: %w", address, opErr)
	}
	return nil
}

// ReuseAddr reports whether SO_REUSEADDR is enabled on the listener.
func ReuseAddr(l *net.TCPListener) (enabled bool, err error) {
	rc, err := l.SyscallConn()
	if err != nil {
		return false, err
	}
	if cerr := rc.Control(func(fd uintptr) {
		enabled, err = getReuseAddr(fd)
	}); cerr != nil {
		return false, cerr
	}
	return enabled, err
}
