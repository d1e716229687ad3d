// Copyright 2025-2026 The eventgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "errors"

// ErrAuthenticationFailure returned when a credential is malformed, unknown, or the
// backing store could not confirm it. Callers must not be able to distinguish which.
var ErrAuthenticationFailure = errors.New("authentication failure")

// ErrQuotaExceeded returned when an operation would push a user's quota ledger past
// its hard limit, or when the ledger could not be read (fail closed)
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrRateLimited returned for transient throttling; the caller may retry
var ErrRateLimited = errors.New("rate limited")

// ErrConnectionCapacity returned when a new connection would exceed the global or the
// per-user connection cap. Existing connections are unaffected.
var ErrConnectionCapacity = errors.New("connection capacity exceeded")

// ErrSubscriberLimit returned when the event bus has reached its subscriber ceiling
var ErrSubscriberLimit = errors.New("subscriber limit reached")

// ErrMalformedMessage returned when an inbound wire frame violates the protocol
var ErrMalformedMessage = errors.New("malformed message")

// TerminationReason why a connection was closed. Both the delivery-failure path and
// the idle-sweep path populate the same enum.
type TerminationReason string

// Connection termination reasons
const (
	TerminationIdleTimeout     TerminationReason = "idle_timeout"
	TerminationWriteFailure    TerminationReason = "write_failure"
	TerminationClientClose     TerminationReason = "client_close"
	TerminationServerShutdown  TerminationReason = "server_shutdown"
	TerminationCapacityEvicted TerminationReason = "capacity_evicted"
)
