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
	"encoding/json"
	"time"
)

// Well known event types carried by the notification gateway
const (
	EventTypeToolStarted   = "tool_started"
	EventTypeToolCompleted = "tool_completed"
	EventTypeToolFailed    = "tool_failed"
	EventTypeQuotaWarning  = "quota_warning"
	EventTypeTrendUpdate   = "trend_update"
	EventTypeSystemStatus  = "system_status"
	EventTypeHeartbeat     = "heartbeat"
	EventTypeConnected     = "connection_connected"
	EventTypeDisconnecting = "connection_disconnecting"
	EventTypeWildcard      = "*"
)

// EventMetadata attributes a publisher attaches to an event for subscriber side
// filtering. One field per supported filter dimension; empty means unset.
type EventMetadata struct {
	// UserID is the user the event concerns
	UserID string `json:"user_id,omitempty"`
	// VideoID is the video the event concerns
	VideoID string `json:"video_id,omitempty"`
	// ChannelID is the channel the event concerns
	ChannelID string `json:"channel_id,omitempty"`
	// Severity is the event severity: info, warning, critical
	Severity string `json:"severity,omitempty"`
	// ToolName is the tool execution the event concerns
	ToolName string `json:"tool_name,omitempty"`
}

// Event an immutable fact published once through the event bus
type Event struct {
	// ID uniquely identifies this event
	ID string `json:"id" validate:"required"`
	// Type is the event type tag
	Type string `json:"type" validate:"required"`
	// Payload is the opaque event body
	Payload json.RawMessage `json:"payload,omitempty"`
	// Metadata are the filterable event attributes
	Metadata EventMetadata `json:"metadata,omitempty"`
	// PublishedAt is when the bus accepted the event
	PublishedAt time.Time `json:"published_at"`
	// RetryMS is an optional client reconnect hint in milliseconds
	RetryMS *int `json:"retry_ms,omitempty"`
}

// SubscriptionFilter conjunctive per-dimension equality conditions a subscriber
// applies against event metadata. A set dimension which is absent from the event
// metadata is a non-match, not a wildcard pass.
type SubscriptionFilter struct {
	// UserID match events concerning this user
	UserID string `json:"user_id,omitempty"`
	// VideoID match events concerning this video
	VideoID string `json:"video_id,omitempty"`
	// ChannelID match events concerning this channel
	ChannelID string `json:"channel_id,omitempty"`
	// Severity match events of this severity
	Severity string `json:"severity,omitempty"`
	// ToolName match events concerning this tool
	ToolName string `json:"tool_name,omitempty"`
}

// Matches verify event metadata satisfies every condition set on the filter
func (f SubscriptionFilter) Matches(metadata EventMetadata) bool {
	if f.UserID != "" && f.UserID != metadata.UserID {
		return false
	}
	if f.VideoID != "" && f.VideoID != metadata.VideoID {
		return false
	}
	if f.ChannelID != "" && f.ChannelID != metadata.ChannelID {
		return false
	}
	if f.Severity != "" && f.Severity != metadata.Severity {
		return false
	}
	if f.ToolName != "" && f.ToolName != metadata.ToolName {
		return false
	}
	return true
}

// TypeListMatches verify an event type is named by a subscriber's type list, either
// exactly or through the wildcard entry. An empty list matches every type.
func TypeListMatches(eventTypes []string, eventType string) bool {
	if len(eventTypes) == 0 {
		return true
	}
	for _, t := range eventTypes {
		if t == EventTypeWildcard || t == eventType {
			return true
		}
	}
	return false
}
