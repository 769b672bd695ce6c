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

import "errors"

// ErrIncomplete is returned when more bytes are needed to complete the current message.
var ErrIncomplete = errors.New("incomplete message")

// ErrTruncated is returned by [Framer.Finish] when the stream ends in the middle of a message.
var ErrTruncated = errors.New("stream ended mid-message")

// FramingError reports a message that cannot be framed: an unparsable head, an invalid
// Content-Length or an oversized head.
type FramingError struct {
	Reason string
	// Skip is the number of bytes the malformed message occupies on the wire, or -1 when it cannot
	// be known. When it is known, the message can be dropped and framing can continue after it.
	Skip int
	Err  error
}

// Fatal reports whether framing cannot continue on the stream.
func (e *FramingError) Fatal() bool {
	return e.Skip < 0
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "framing error: " + e.Reason + ": " + e.Err.Error()
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
