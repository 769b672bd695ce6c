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

// Package dispatch hands complete responses from the upstream readers to the single goroutine that
// writes them to clients.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by [Queue.Pop] once the queue is closed and drained.
var ErrClosed = errors.New("dispatch queue closed")

// Entry is one response on its way to a client.
type Entry struct {
	ClientID uint64
	Data     []byte
}

// Queue is an unbounded FIFO of entries. Any number of goroutines may push; Pop blocks while the
// queue is empty.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Entry
	closed  bool
}

// NewQueue creates an empty [Queue].
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends e. It never waits for a consumer. Pushing to a closed queue returns [ErrClosed].
func (q *Queue) Push(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.entries = append(q.entries, e)
	q.cond.Signal()
	return nil
}

// Pop removes and returns the oldest entry, waiting for one if the queue is empty. Entries pushed
// before [Queue.Close] are still returned; after that it returns [ErrClosed].
func (q *Queue) Pop(ctx context.Context) (Entry, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 {
		if q.closed {
			return Entry{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		q.cond.Wait()
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the queue from accepting entries and wakes up all waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
