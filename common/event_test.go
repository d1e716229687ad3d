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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionFilterMatching(t *testing.T) {
	assert := assert.New(t)

	metadata := EventMetadata{
		UserID:    "user-1",
		VideoID:   "video-9",
		ChannelID: "channel-3",
		Severity:  "warning",
		ToolName:  "transcriber",
	}

	// Case 1: empty filter matches everything
	{
		uut := SubscriptionFilter{}
		assert.True(uut.Matches(metadata))
		assert.True(uut.Matches(EventMetadata{}))
	}

	// Case 2: single dimension match and mismatch
	{
		uut := SubscriptionFilter{UserID: "user-1"}
		assert.True(uut.Matches(metadata))
		uut.UserID = "user-2"
		assert.False(uut.Matches(metadata))
	}

	// Case 3: all dimensions are conjunctive
	{
		uut := SubscriptionFilter{
			UserID: "user-1", VideoID: "video-9", Severity: "warning",
		}
		assert.True(uut.Matches(metadata))
		uut.Severity = "error"
		assert.False(uut.Matches(metadata))
	}

	// Case 4: filter set on a dimension the event lacks is a non-match
	{
		uut := SubscriptionFilter{ToolName: "transcriber"}
		assert.False(uut.Matches(EventMetadata{UserID: "user-1"}))
	}
}

func TestEventTypeListMatching(t *testing.T) {
	assert := assert.New(t)

	// Case 1: empty list matches all types
	assert.True(TypeListMatches(nil, EventTypeToolStarted))
	assert.True(TypeListMatches([]string{}, EventTypeTrendUpdate))

	// Case 2: explicit list
	types := []string{EventTypeToolStarted, EventTypeToolCompleted}
	assert.True(TypeListMatches(types, EventTypeToolStarted))
	assert.False(TypeListMatches(types, EventTypeQuotaWarning))

	// Case 3: wildcard entry matches all types
	assert.True(TypeListMatches([]string{EventTypeWildcard}, EventTypeSystemStatus))
}
