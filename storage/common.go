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

package storage

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound returned when a key has no live record in the store
var ErrRecordNotFound = errors.New("record not found")

// KeyValueStore durable key-value store interface. Values are stored as serialized
// JSON. A zero TTL means the record does not expire.
type KeyValueStore interface {
	// Set record a value under key, optionally expiring after ttl
	Set(ctxt context.Context, key string, value interface{}, ttl time.Duration) error
	// Get fetch the value stored under key into target
	Get(ctxt context.Context, key string, target interface{}) error
	// Delete remove the record under key. Removing an absent key is a no-op.
	Delete(ctxt context.Context, key string) error
	// Close release the store driver
	Close() error
}
