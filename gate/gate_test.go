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

package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/storage"
)

// countingStore wraps a real store and counts Get traffic
type countingStore struct {
	storage.KeyValueStore
	gets int
}

func (s *countingStore) Get(ctxt context.Context, key string, target interface{}) error {
	s.gets++
	return s.KeyValueStore.Get(ctxt, key, target)
}

// failingStore refuses every operation
type failingStore struct{}

func (s *failingStore) Set(
	ctxt context.Context, key string, value interface{}, ttl time.Duration,
) error {
	return fmt.Errorf("store offline")
}

func (s *failingStore) Get(ctxt context.Context, key string, target interface{}) error {
	return fmt.Errorf("store offline")
}

func (s *failingStore) Delete(ctxt context.Context, key string) error {
	return fmt.Errorf("store offline")
}

func (s *failingStore) Close() error { return nil }

// capturePublisher records published events
type capturePublisher struct {
	events []common.Event
}

func (p *capturePublisher) Publish(ctxt context.Context, event common.Event) error {
	p.events = append(p.events, event)
	return nil
}

func defineTestGate(
	t *testing.T, store storage.KeyValueStore, params GateParams,
) (AccessGate, *capturePublisher, context.CancelFunc, *sync.WaitGroup) {
	assert := assert.New(t)
	ctxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	tp, err := common.GetNewTaskProcessorInstance("gate-ut", 16, ctxt)
	assert.Nil(err)
	publisher := &capturePublisher{}
	uut, err := GetAccessGateInstance(tp, store, publisher, params)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	return uut, publisher, cancel, wg
}

func seedLedger(
	t *testing.T, store storage.KeyValueStore, ledger quotaLedger,
) {
	assert := assert.New(t)
	key := fmt.Sprintf("quota:%s", ledger.UserID)
	assert.Nil(store.Set(context.Background(), key, ledger, 0))
}

func TestAccessGateAuthenticate(t *testing.T) {
	assert := assert.New(t)
	base, err := storage.CreateInMemoryStorage()
	assert.Nil(err)
	store := &countingStore{KeyValueStore: base}
	uut, _, cancel, wg := defineTestGate(t, store, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         1000,
		WarningThresholdPercent: 90,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	assert.Nil(base.Set(utCtxt, "apikey:vmk_live_0123456789ab", apiKeyRecord{
		UserID: "user-1", Label: "primary", CreatedAt: time.Now(),
	}, 0))
	assert.Nil(base.Set(utCtxt, "apikey:vmk_dead_0123456789ab", apiKeyRecord{
		UserID: "user-2", Disabled: true,
	}, 0))

	// Case 1: malformed keys never reach the store
	store.gets = 0
	_, err = uut.Authenticate(utCtxt, "short")
	assert.ErrorIs(err, common.ErrAuthenticationFailure)
	_, err = uut.Authenticate(utCtxt, "has spaces but is long enough")
	assert.ErrorIs(err, common.ErrAuthenticationFailure)
	assert.Equal(0, store.gets)

	// Case 2: unknown well-formed key is denied after one lookup
	_, err = uut.Authenticate(utCtxt, "vmk_none_0123456789ab")
	assert.ErrorIs(err, common.ErrAuthenticationFailure)
	assert.Equal(1, store.gets)

	// Case 3: known key resolves to its user
	userID, err := uut.Authenticate(utCtxt, "vmk_live_0123456789ab")
	assert.Nil(err)
	assert.Equal("user-1", userID)

	// Case 4: disabled key is denied
	_, err = uut.Authenticate(utCtxt, "vmk_dead_0123456789ab")
	assert.ErrorIs(err, common.ErrAuthenticationFailure)
}

func TestAccessGateFailsClosed(t *testing.T) {
	assert := assert.New(t)
	uut, _, cancel, wg := defineTestGate(t, &failingStore{}, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         1000,
		WarningThresholdPercent: 90,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	// An unreachable store denies access rather than letting traffic through
	_, err := uut.Authenticate(utCtxt, "vmk_live_0123456789ab")
	assert.ErrorIs(err, common.ErrAuthenticationFailure)

	// Quota reads surface the store failure
	_, err = uut.CheckQuota(utCtxt, "user-1")
	assert.NotNil(err)
}

func TestAccessGateQuotaConsumption(t *testing.T) {
	assert := assert.New(t)
	store, err := storage.CreateInMemoryStorage()
	assert.Nil(err)
	uut, _, cancel, wg := defineTestGate(t, store, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         1000,
		WarningThresholdPercent: 90,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	// Case 1: first contact creates a full ledger
	status, err := uut.CheckQuota(utCtxt, "user-1")
	assert.Nil(err)
	assert.Equal(int64(0), status.Used)
	assert.Equal(int64(1000), status.Limit)
	assert.Equal(int64(1000), status.Remaining)
	assert.True(status.ResetAt.After(time.Now()))

	// Case 2: explicit cost deducts
	status, err = uut.ConsumeQuota(utCtxt, "user-1", 30)
	assert.Nil(err)
	assert.Equal(int64(30), status.Used)
	assert.Equal(int64(970), status.Remaining)

	// Case 3: non-positive cost falls back to the default tool call cost
	status, err = uut.ConsumeQuota(utCtxt, "user-1", 0)
	assert.Nil(err)
	assert.Equal(int64(40), status.Used)

	// Case 4: consumption past the limit is refused without effect
	seedLedger(t, store, quotaLedger{
		UserID: "user-2", Used: 990, Limit: 1000, ResetAt: time.Now().Add(time.Hour),
	})
	status, err = uut.ConsumeQuota(utCtxt, "user-2", 50)
	assert.ErrorIs(err, common.ErrQuotaExceeded)
	assert.Equal(int64(990), status.Used)
	status, err = uut.CheckQuota(utCtxt, "user-2")
	assert.Nil(err)
	assert.Equal(int64(990), status.Used)

	// Case 5: consuming exactly the remainder succeeds
	status, err = uut.ConsumeQuota(utCtxt, "user-2", 10)
	assert.Nil(err)
	assert.Equal(int64(0), status.Remaining)
}

func TestAccessGateWarningThreshold(t *testing.T) {
	assert := assert.New(t)
	store, err := storage.CreateInMemoryStorage()
	assert.Nil(err)
	uut, publisher, cancel, wg := defineTestGate(t, store, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         10000,
		WarningThresholdPercent: 99,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	seedLedger(t, store, quotaLedger{
		UserID: "user-1", Used: 9850, Limit: 10000, ResetAt: time.Now().Add(time.Hour),
	})

	// Case 1: staying under the threshold publishes nothing
	_, err = uut.ConsumeQuota(utCtxt, "user-1", 10)
	assert.Nil(err)
	assert.Empty(publisher.events)

	// Case 2: crossing the threshold publishes one warning
	status, err := uut.ConsumeQuota(utCtxt, "user-1", 90)
	assert.Nil(err)
	assert.Equal(int64(9950), status.Used)
	assert.Len(publisher.events, 1)
	warning := publisher.events[0]
	assert.Equal(common.EventTypeQuotaWarning, warning.Type)
	assert.Equal("user-1", warning.Metadata.UserID)
	assert.Equal("warning", warning.Metadata.Severity)
	var payload quotaWarningPayload
	assert.Nil(json.Unmarshal(warning.Payload, &payload))
	assert.Equal(int64(9950), payload.Used)
	assert.Equal(int64(10000), payload.Limit)
	assert.Equal(99.5, payload.PercentUsed)

	// Case 3: further consumption in the same period repeats nothing
	_, err = uut.ConsumeQuota(utCtxt, "user-1", 10)
	assert.Nil(err)
	assert.Len(publisher.events, 1)
}

func TestAccessGateWarningPastThreshold(t *testing.T) {
	assert := assert.New(t)
	store, err := storage.CreateInMemoryStorage()
	assert.Nil(err)
	uut, publisher, cancel, wg := defineTestGate(t, store, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         10000,
		WarningThresholdPercent: 80,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	// Ledger already well past the 8000 unit threshold but no warning recorded yet
	seedLedger(t, store, quotaLedger{
		UserID: "user-1", Used: 9900, Limit: 10000, ResetAt: time.Now().Add(time.Hour),
	})

	// Case 1: the first consume past an unannounced threshold publishes the warning
	status, err := uut.ConsumeQuota(utCtxt, "user-1", 50)
	assert.Nil(err)
	assert.Equal(int64(9950), status.Used)
	assert.Len(publisher.events, 1)
	warning := publisher.events[0]
	assert.Equal(common.EventTypeQuotaWarning, warning.Type)
	var payload quotaWarningPayload
	assert.Nil(json.Unmarshal(warning.Payload, &payload))
	assert.Equal(int64(9950), payload.Used)
	assert.Equal(99.5, payload.PercentUsed)

	// Case 2: the warning fires once per period
	_, err = uut.ConsumeQuota(utCtxt, "user-1", 10)
	assert.Nil(err)
	assert.Len(publisher.events, 1)
}

func TestAccessGateLazyDailyReset(t *testing.T) {
	assert := assert.New(t)
	store, err := storage.CreateInMemoryStorage()
	assert.Nil(err)
	uut, publisher, cancel, wg := defineTestGate(t, store, GateParams{
		MinKeyLength:            16,
		DailyQuotaLimit:         1000,
		WarningThresholdPercent: 90,
		ResetTimezone:           time.UTC,
		ToolCallCost:            10,
	})
	defer wg.Wait()
	defer cancel()
	utCtxt := context.Background()

	seedLedger(t, store, quotaLedger{
		UserID:      "user-1",
		Used:        950,
		Limit:       1000,
		ResetAt:     time.Now().Add(-time.Hour),
		WarningSent: true,
	})

	// Case 1: a lapsed period resets on the next read
	status, err := uut.CheckQuota(utCtxt, "user-1")
	assert.Nil(err)
	assert.Equal(int64(0), status.Used)
	assert.Equal(int64(1000), status.Remaining)
	assert.True(status.ResetAt.After(time.Now()))

	// Case 2: the new ResetAt is the upcoming UTC midnight
	now := time.Now().UTC()
	expected := time.Date(
		now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC,
	).AddDate(0, 0, 1)
	assert.True(expected.Equal(status.ResetAt))

	// Case 3: the reset rearms the warning
	_, err = uut.ConsumeQuota(utCtxt, "user-1", 950)
	assert.Nil(err)
	assert.Len(publisher.events, 1)
}
