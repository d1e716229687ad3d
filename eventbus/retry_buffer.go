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

package eventbus

import "github.com/vidmetrics/eventgw/common"

// retryBuffer bounded FIFO of events which failed delivery to one subscriber.
// When full the oldest entry is dropped, never the newest.
type retryBuffer struct {
	maxLen  int
	pending []common.Event
}

func newRetryBuffer(maxLen int) *retryBuffer {
	return &retryBuffer{maxLen: maxLen, pending: nil}
}

// append record a failed delivery. Returns true if an older entry was dropped to
// make room.
func (b *retryBuffer) append(event common.Event) bool {
	dropped := false
	if len(b.pending) >= b.maxLen {
		b.pending = b.pending[1:]
		dropped = true
	}
	b.pending = append(b.pending, event)
	return dropped
}

// prepend place older undelivered events ahead of the current backlog, keeping
// publication order. Oldest entries beyond the cap are dropped.
func (b *retryBuffer) prepend(events []common.Event) int {
	combined := make([]common.Event, 0, len(events)+len(b.pending))
	combined = append(combined, events...)
	combined = append(combined, b.pending...)
	droppedCount := 0
	if len(combined) > b.maxLen {
		droppedCount = len(combined) - b.maxLen
		combined = combined[droppedCount:]
	}
	b.pending = combined
	return droppedCount
}

// peek view the oldest pending event
func (b *retryBuffer) peek() (common.Event, bool) {
	if len(b.pending) == 0 {
		return common.Event{}, false
	}
	return b.pending[0], true
}

// pop discard the oldest pending event
func (b *retryBuffer) pop() {
	if len(b.pending) > 0 {
		b.pending = b.pending[1:]
	}
}

func (b *retryBuffer) size() int {
	return len(b.pending)
}
