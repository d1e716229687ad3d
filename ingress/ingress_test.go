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

package ingress

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/vidmetrics/eventgw/common"
)

func TestDecodeIngressEvent(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: not JSON
	_, err := DecodeIngressEvent([]byte("not json"), validate)
	assert.NotNil(err)

	// Case 1: missing type is refused
	_, err = DecodeIngressEvent([]byte(`{"payload": {"views": 3}}`), validate)
	assert.NotNil(err)

	// Case 2: complete payload passes through unchanged
	wire := []byte(`{
		"id": "evt-1",
		"type": "trend_update",
		"payload": {"views": 3},
		"metadata": {"user_id": "user-1", "channel_id": "chan-1"},
		"published_at": "2026-08-30T10:00:00Z"
	}`)
	event, err := DecodeIngressEvent(wire, validate)
	assert.Nil(err)
	assert.Equal("evt-1", event.ID)
	assert.Equal(common.EventTypeTrendUpdate, event.Type)
	assert.Equal("user-1", event.Metadata.UserID)
	assert.Equal("chan-1", event.Metadata.ChannelID)
	expectedAt, err := time.Parse(time.RFC3339, "2026-08-30T10:00:00Z")
	assert.Nil(err)
	assert.True(expectedAt.Equal(event.PublishedAt))

	// Case 3: missing ID and timestamp are filled in
	before := time.Now()
	event, err = DecodeIngressEvent(
		[]byte(`{"type": "system_status", "payload": {"state": "degraded"}}`), validate,
	)
	assert.Nil(err)
	assert.NotEmpty(event.ID)
	assert.False(event.PublishedAt.Before(before))

	// Case 4: two fills never collide
	other, err := DecodeIngressEvent(
		[]byte(`{"type": "system_status"}`), validate,
	)
	assert.Nil(err)
	assert.NotEqual(event.ID, other.ID)
}
