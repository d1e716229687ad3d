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
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/storage"
)

// apiKeyRecord durable record backing one API key, stored at "apikey:<key>"
type apiKeyRecord struct {
	UserID    string    `json:"user_id" validate:"required"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Disabled  bool      `json:"disabled"`
}

// quotaLedger durable per-user daily usage ledger, stored at "quota:<userId>"
type quotaLedger struct {
	UserID      string    `json:"user_id"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
	WarningSent bool      `json:"warning_sent"`
}

// QuotaStatus point-in-time view of one user's quota
type QuotaStatus struct {
	UserID    string    `json:"user_id"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// quotaWarningPayload body of the warning event published on threshold crossing
type quotaWarningPayload struct {
	UserID      string  `json:"user_id"`
	Used        int64   `json:"used"`
	Limit       int64   `json:"limit"`
	PercentUsed float64 `json:"percent_used"`
}

// EventPublisher the slice of the event bus the gate needs
type EventPublisher interface {
	// Publish send one event for fan-out
	Publish(ctxt context.Context, event common.Event) error
}

// AccessGate authenticates API keys and meters per-user daily quota. Quota
// mutations are serialized on one task processor loop, so concurrent consumers
// of the same ledger never interleave.
type AccessGate interface {
	// Authenticate resolve an API key to its owning user ID. The key is checked
	// syntactically before any store lookup. Store failures deny access.
	Authenticate(ctxt context.Context, apiKey string) (string, error)
	// CheckQuota read a user's quota, applying the lazy daily reset if due
	CheckQuota(ctxt context.Context, userID string) (QuotaStatus, error)
	// ConsumeQuota deduct cost from a user's remaining quota. A consumption which
	// would exceed the limit is refused with no effect on the ledger.
	ConsumeQuota(ctxt context.Context, userID string, cost int64) (QuotaStatus, error)
}

// GateParams access gate tuning
type GateParams struct {
	// MinKeyLength shortest syntactically acceptable API key
	MinKeyLength int
	// DailyQuotaLimit units granted to each user per day
	DailyQuotaLimit int64
	// WarningThresholdPercent usage percentage triggering a warning event
	WarningThresholdPercent int
	// ResetTimezone timezone whose midnight resets the ledgers
	ResetTimezone *time.Location
	// ToolCallCost default quota cost of one tool invocation
	ToolCallCost int64
}

// accessGateImpl implements AccessGate
type accessGateImpl struct {
	common.Component
	tp        common.TaskProcessor
	store     storage.KeyValueStore
	publisher EventPublisher
	params    GateParams
}

// GetAccessGateInstance create new access gate operating on the given task processor
func GetAccessGateInstance(
	tp common.TaskProcessor,
	store storage.KeyValueStore,
	publisher EventPublisher,
	params GateParams,
) (AccessGate, error) {
	logTags := log.Fields{
		"module": "gate", "component": "access-gate",
	}
	if params.ResetTimezone == nil {
		params.ResetTimezone = time.UTC
	}
	instance := accessGateImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		store:     store,
		publisher: publisher,
		params:    params,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(gateCheckQuotaReq{}), instance.processCheckQuotaRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(gateConsumeQuotaReq{}), instance.processConsumeQuotaRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// keyIsWellFormed syntactic API key check. Applied before any store traffic so
// junk input never costs a lookup.
func (g *accessGateImpl) keyIsWellFormed(apiKey string) bool {
	if len(apiKey) < g.params.MinKeyLength {
		return false
	}
	for _, c := range apiKey {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Authenticate resolve an API key to its owning user ID
func (g *accessGateImpl) Authenticate(ctxt context.Context, apiKey string) (string, error) {
	if !g.keyIsWellFormed(apiKey) {
		log.WithFields(g.LogTags).Debug("Rejected malformed API key")
		return "", common.ErrAuthenticationFailure
	}
	var record apiKeyRecord
	key := fmt.Sprintf("apikey:%s", apiKey)
	if err := g.store.Get(ctxt, key, &record); err != nil {
		if !errors.Is(err, storage.ErrRecordNotFound) {
			// Store unreachable. Denying here fails closed.
			log.WithError(err).WithFields(g.LogTags).Error("API key lookup failed")
		}
		return "", common.ErrAuthenticationFailure
	}
	if record.Disabled {
		return "", common.ErrAuthenticationFailure
	}
	return record.UserID, nil
}

// nextResetTime the upcoming midnight in the reset timezone
func (g *accessGateImpl) nextResetTime(now time.Time) time.Time {
	local := now.In(g.params.ResetTimezone)
	return time.Date(
		local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.params.ResetTimezone,
	).AddDate(0, 0, 1)
}

// loadLedger fetch a user's ledger, creating or resetting it when the current
// period has lapsed. The ledger's TTL tracks its reset time, so an idle user's
// record expires on its own.
func (g *accessGateImpl) loadLedger(
	ctxt context.Context, userID string, now time.Time,
) (quotaLedger, bool, error) {
	var ledger quotaLedger
	dirty := false
	key := fmt.Sprintf("quota:%s", userID)
	if err := g.store.Get(ctxt, key, &ledger); err != nil {
		if !errors.Is(err, storage.ErrRecordNotFound) {
			return quotaLedger{}, false, err
		}
		ledger = quotaLedger{UserID: userID, Limit: g.params.DailyQuotaLimit}
		dirty = true
	}
	if !now.Before(ledger.ResetAt) {
		ledger.Used = 0
		ledger.Limit = g.params.DailyQuotaLimit
		ledger.ResetAt = g.nextResetTime(now)
		ledger.WarningSent = false
		dirty = true
	}
	return ledger, dirty, nil
}

// saveLedger persist a ledger with a TTL covering the current period
func (g *accessGateImpl) saveLedger(ctxt context.Context, ledger quotaLedger) error {
	key := fmt.Sprintf("quota:%s", ledger.UserID)
	return g.store.Set(ctxt, key, ledger, time.Until(ledger.ResetAt))
}

func statusFromLedger(ledger quotaLedger) QuotaStatus {
	return QuotaStatus{
		UserID:    ledger.UserID,
		Used:      ledger.Used,
		Limit:     ledger.Limit,
		Remaining: ledger.Limit - ledger.Used,
		ResetAt:   ledger.ResetAt,
	}
}

// ----------------------------------------------------------------------------------------

type gateCheckQuotaReq struct {
	ctxt      context.Context
	userID    string
	timestamp time.Time
	resultCB  func(QuotaStatus, error)
}

// CheckQuota read a user's quota, applying the lazy daily reset if due
func (g *accessGateImpl) CheckQuota(
	ctxt context.Context, userID string,
) (QuotaStatus, error) {
	complete := make(chan bool, 1)
	var status QuotaStatus
	var processError error
	handler := func(s QuotaStatus, err error) {
		status = s
		processError = err
		complete <- true
	}

	request := gateCheckQuotaReq{
		ctxt: ctxt, userID: userID, timestamp: time.Now(), resultCB: handler,
	}
	if err := g.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to submit quota check for %s", userID,
		)
		return QuotaStatus{}, err
	}

	<-complete
	return status, processError
}

func (g *accessGateImpl) processCheckQuotaRequest(param interface{}) error {
	request, ok := param.(gateCheckQuotaReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for quota check", reflect.TypeOf(param),
		)
	}
	status, err := g.ProcessCheckQuotaRequest(request.ctxt, request.userID, request.timestamp)
	request.resultCB(status, err)
	return err
}

// ProcessCheckQuotaRequest read one user's ledger
func (g *accessGateImpl) ProcessCheckQuotaRequest(
	ctxt context.Context, userID string, timestamp time.Time,
) (QuotaStatus, error) {
	ledger, dirty, err := g.loadLedger(ctxt, userID, timestamp)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Quota ledger read failed for %s", userID,
		)
		return QuotaStatus{}, err
	}
	if dirty {
		if err := g.saveLedger(ctxt, ledger); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Quota ledger write failed for %s", userID,
			)
			return QuotaStatus{}, err
		}
	}
	return statusFromLedger(ledger), nil
}

// ----------------------------------------------------------------------------------------

type gateConsumeQuotaReq struct {
	ctxt      context.Context
	userID    string
	cost      int64
	timestamp time.Time
	resultCB  func(QuotaStatus, error)
}

// ConsumeQuota deduct cost from a user's remaining quota
func (g *accessGateImpl) ConsumeQuota(
	ctxt context.Context, userID string, cost int64,
) (QuotaStatus, error) {
	complete := make(chan bool, 1)
	var status QuotaStatus
	var processError error
	handler := func(s QuotaStatus, err error) {
		status = s
		processError = err
		complete <- true
	}

	request := gateConsumeQuotaReq{
		ctxt: ctxt, userID: userID, cost: cost, timestamp: time.Now(), resultCB: handler,
	}
	if err := g.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to submit quota consume for %s", userID,
		)
		return QuotaStatus{}, err
	}

	<-complete
	return status, processError
}

func (g *accessGateImpl) processConsumeQuotaRequest(param interface{}) error {
	request, ok := param.(gateConsumeQuotaReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for quota consume", reflect.TypeOf(param),
		)
	}
	status, err := g.ProcessConsumeQuotaRequest(
		request.ctxt, request.userID, request.cost, request.timestamp,
	)
	request.resultCB(status, err)
	if err != nil && !errors.Is(err, common.ErrQuotaExceeded) {
		return err
	}
	return nil
}

// ProcessConsumeQuotaRequest deduct cost from one ledger. Check and deduction run
// in one handler invocation, so two callers racing on the final units can not
// both succeed.
func (g *accessGateImpl) ProcessConsumeQuotaRequest(
	ctxt context.Context, userID string, cost int64, timestamp time.Time,
) (QuotaStatus, error) {
	if cost <= 0 {
		cost = g.params.ToolCallCost
	}
	ledger, _, err := g.loadLedger(ctxt, userID, timestamp)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Quota ledger read failed for %s", userID,
		)
		return QuotaStatus{}, err
	}
	if ledger.Used+cost > ledger.Limit {
		log.WithFields(g.LogTags).Infof(
			"Refusing quota consume for %s: used %d + cost %d over limit %d",
			userID, ledger.Used, cost, ledger.Limit,
		)
		return statusFromLedger(ledger), common.ErrQuotaExceeded
	}
	crossedWarning := false
	threshold := ledger.Limit * int64(g.params.WarningThresholdPercent) / 100
	if !ledger.WarningSent && ledger.Used+cost >= threshold {
		crossedWarning = true
		ledger.WarningSent = true
	}
	ledger.Used += cost
	if err := g.saveLedger(ctxt, ledger); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Quota ledger write failed for %s", userID,
		)
		return QuotaStatus{}, err
	}
	if crossedWarning {
		g.publishQuotaWarning(ctxt, ledger)
	}
	return statusFromLedger(ledger), nil
}

// publishQuotaWarning emit the threshold crossing event. Best effort, a failed
// publish never rolls back the consumption.
func (g *accessGateImpl) publishQuotaWarning(ctxt context.Context, ledger quotaLedger) {
	if g.publisher == nil {
		return
	}
	payload, err := json.Marshal(quotaWarningPayload{
		UserID:      ledger.UserID,
		Used:        ledger.Used,
		Limit:       ledger.Limit,
		PercentUsed: float64(ledger.Used) / float64(ledger.Limit) * 100,
	})
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Failed to build quota warning")
		return
	}
	event := common.Event{
		Type:    common.EventTypeQuotaWarning,
		Payload: payload,
		Metadata: common.EventMetadata{
			UserID:   ledger.UserID,
			Severity: "warning",
		},
		PublishedAt: time.Now(),
	}
	if err := g.publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to publish quota warning for %s", ledger.UserID,
		)
	}
}
