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

//go:build !unix

package sockopt

import (
	"errors"
	"fmt"
)

func setReuseAddr(_ uintptr) error {
	return fmt.Errorf("%w: SO_REUSEADDR is not implemented on this platform", errors.ErrUnsupported)
}

func getReuseAddr(_ uintptr) (bool, error) {
	return false, fmt.Errorf("%w: SO_REUSEADDR is not implemented on this platform", errors.ErrUnsupported)
}
