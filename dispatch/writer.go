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

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Clients finds the connection of a client by its identifier.
type Clients interface {
	Lookup(id uint64) (io.WriteCloser, bool)
}

// FuncClients is a [Clients] that uses the given function for lookups.
type FuncClients func(id uint64) (io.WriteCloser, bool)

var _ Clients = (FuncClients)(nil)

// Lookup implements [Clients].Lookup.
func (f FuncClients) Lookup(id uint64) (io.WriteCloser, bool) {
	return f(id)
}

// Writer delivers queued responses to their clients. Only one Writer should drain a [Queue], which
// makes it the only goroutine that writes to client connections.
type Writer struct {
	Queue   *Queue
	Clients Clients
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Run delivers entries until the queue is closed and drained, or ctx is done. A failed write closes
// that client and does not stop the loop.
func (w *Writer) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		entry, err := w.Queue.Pop(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		client, ok := w.Clients.Lookup(entry.ClientID)
		if !ok {
			logger.Debug("Dropping response for departed client", "client", entry.ClientID, "bytes", len(entry.Data))
			continue
		}
		if _, err := client.Write(entry.Data); err != nil {
			logger.Warn("Failed to write response", "client", entry.ClientID, "error", err)
			client.Close()
		}
	}
}
