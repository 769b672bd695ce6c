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
Package dns resolves origin host names for the relay's connection pool.

The relay connects to every origin over IPv4 and only ever uses the first address it gets back,
so the central abstraction is a [Resolver] that maps a host name to a single IPv4 address.
Implementations:

  - [NewSystemResolver]: the operating system resolver, through [net.Resolver].
  - [NewQueryResolver]: asks a specific DNS server an A query, over [DNS-over-UDP] or [DNS-over-TCP].

[NewStreamDialer] combines a [Resolver] with a [transport.StreamDialer], so that every dial resolves the
host first and then connects to the resolved address. Resolution failures surface as [*LookupError],
which lets callers tell a name that could not be resolved apart from an origin that refused the connection.

[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
*/
package dns
