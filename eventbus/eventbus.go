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

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/vidmetrics/eventgw/common"
)

// SubscriptionSpec one standing interest held by a subscriber. A subscriber holds
// at least the spec registered at connect; matching is the union of all its specs.
type SubscriptionSpec struct {
	// Name identifies the spec within the subscriber, e.g. "default" or a tool name
	Name string `json:"name" validate:"required"`
	// EventTypes are exact event types or the "*" wildcard. Empty receives all.
	EventTypes []string `json:"event_types,omitempty"`
	// Filter are the conjunctive metadata conditions
	Filter common.SubscriptionFilter `json:"filter"`
}

// EventTypeMetrics aggregate delivery counters for one event type
type EventTypeMetrics struct {
	// Published is the number of events accepted by the bus
	Published int64 `json:"published"`
	// Delivered is the number of successful channel deliveries
	Delivered int64 `json:"delivered"`
	// Buffered is the number of deliveries diverted into retry buffers
	Buffered int64 `json:"buffered"`
	// Dropped is the number of buffered events lost to the drop-oldest policy
	Dropped int64 `json:"dropped"`
	// FanoutLatencyUS is the cumulative fan-out latency in microseconds
	FanoutLatencyUS int64 `json:"fanout_latency_us"`
}

// BusMetrics snapshot of bus observability counters
type BusMetrics struct {
	// Subscribers is the current subscriber count
	Subscribers int `json:"subscribers"`
	// EventTypes are the per event type counters
	EventTypes map[string]EventTypeMetrics `json:"event_types"`
}

// EventBus the central fan-out. Subscribers own a bounded delivery channel; the
// bus pushes matching events onto that channel and diverts failed pushes into a
// per-subscriber retry buffer.
type EventBus interface {
	// Subscribe register a spec under subscriberID, creating the subscriber when
	// it is new. Re-subscribing a suspended subscriber flushes its retry buffer,
	// oldest first, ahead of live traffic. The returned channel is the
	// subscriber's delivery channel.
	Subscribe(
		ctxt context.Context, subscriberID string, spec SubscriptionSpec,
	) (<-chan common.Event, error)
	// RemoveSubscription drop one named spec from a subscriber
	RemoveSubscription(ctxt context.Context, subscriberID string, specName string) error
	// Suspend mark a subscriber's channel as unattended; undelivered and future
	// matching events divert into its retry buffer until it re-subscribes
	Suspend(ctxt context.Context, subscriberID string) error
	// Unsubscribe remove a subscriber entirely, destroying its retry buffer
	Unsubscribe(ctxt context.Context, subscriberID string) error
	// Publish hand the bus an event for fan-out. Fire-and-forget: delivery
	// failures never propagate to the publisher.
	Publish(ctxt context.Context, event common.Event) error
	// Metrics read a snapshot of the bus counters
	Metrics(ctxt context.Context) (BusMetrics, error)
}

// subscriberEntry one registered subscriber
type subscriberEntry struct {
	id       string
	specs    map[string]SubscriptionSpec
	deliver  chan common.Event
	retained *retryBuffer
	active   bool
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	tp             common.TaskProcessor
	subscribers    map[string]*subscriberEntry
	maxSubscribers int
	deliverBufLen  int
	retryBufLen    int
	metrics        map[string]*EventTypeMetrics
}

// EventBusParams fan-out and buffering parameters
type EventBusParams struct {
	// MaxSubscribers is the global subscriber ceiling
	MaxSubscribers int
	// SubscriberBufferLen is the bounded delivery channel length
	SubscriberBufferLen int
	// RetryBufferLen is the retry FIFO cap
	RetryBufferLen int
}

// GetEventBusInstance create new event bus operating on the given task processor
func GetEventBusInstance(tp common.TaskProcessor, params EventBusParams) (EventBus, error) {
	logTags := log.Fields{
		"module": "eventbus", "component": "fan-out",
	}
	instance := eventBusImpl{
		Component:      common.Component{LogTags: logTags},
		tp:             tp,
		subscribers:    make(map[string]*subscriberEntry),
		maxSubscribers: params.MaxSubscribers,
		deliverBufLen:  params.SubscriberBufferLen,
		retryBufLen:    params.RetryBufferLen,
		metrics:        make(map[string]*EventTypeMetrics),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busSubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busRemoveSpecReq{}), instance.processRemoveSpecRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busSuspendReq{}), instance.processSuspendRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busPublishReq{}), instance.processPublishRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(busMetricsReq{}), instance.processMetricsRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (b *eventBusImpl) metricsFor(eventType string) *EventTypeMetrics {
	entry, ok := b.metrics[eventType]
	if !ok {
		entry = &EventTypeMetrics{}
		b.metrics[eventType] = entry
	}
	return entry
}

// ----------------------------------------------------------------------------------------

type busSubscribeReq struct {
	subscriberID string
	spec         SubscriptionSpec
	resultCB     func(<-chan common.Event, error)
}

// Subscribe register a spec under subscriberID
func (b *eventBusImpl) Subscribe(
	ctxt context.Context, subscriberID string, spec SubscriptionSpec,
) (<-chan common.Event, error) {
	complete := make(chan bool, 1)
	var deliverChan <-chan common.Event
	var processError error
	handler := func(c <-chan common.Event, err error) {
		deliverChan = c
		processError = err
		complete <- true
	}

	request := busSubscribeReq{subscriberID: subscriberID, spec: spec, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit subscribe request for %s", subscriberID,
		)
		return nil, err
	}

	<-complete
	return deliverChan, processError
}

func (b *eventBusImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(busSubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe", reflect.TypeOf(param),
		)
	}
	c, err := b.ProcessSubscribeRequest(request.subscriberID, request.spec)
	request.resultCB(c, err)
	return err
}

// ProcessSubscribeRequest register a spec under subscriberID
func (b *eventBusImpl) ProcessSubscribeRequest(
	subscriberID string, spec SubscriptionSpec,
) (<-chan common.Event, error) {
	entry, ok := b.subscribers[subscriberID]
	if !ok {
		if len(b.subscribers) >= b.maxSubscribers {
			log.WithFields(b.LogTags).Errorf(
				"Rejecting subscriber %s: at ceiling %d", subscriberID, b.maxSubscribers,
			)
			return nil, common.ErrSubscriberLimit
		}
		entry = &subscriberEntry{
			id:       subscriberID,
			specs:    map[string]SubscriptionSpec{spec.Name: spec},
			deliver:  make(chan common.Event, b.deliverBufLen),
			retained: newRetryBuffer(b.retryBufLen),
			active:   true,
		}
		b.subscribers[subscriberID] = entry
		log.WithFields(b.LogTags).Infof("Registered subscriber %s", subscriberID)
		return entry.deliver, nil
	}

	entry.specs[spec.Name] = spec
	if !entry.active {
		// The previous channel was drained on suspend; hand out a fresh one
		entry.deliver = make(chan common.Event, b.deliverBufLen)
		entry.active = true
		log.WithFields(b.LogTags).Infof("Reactivated subscriber %s", subscriberID)
	}
	b.flushRetained(entry)
	return entry.deliver, nil
}

// flushRetained move buffered events onto the delivery channel, oldest first,
// stopping once the channel is full again
func (b *eventBusImpl) flushRetained(entry *subscriberEntry) {
	flushed := 0
	for {
		event, ok := entry.retained.peek()
		if !ok {
			break
		}
		select {
		case entry.deliver <- event:
			entry.retained.pop()
			flushed++
			b.metricsFor(event.Type).Delivered++
		default:
			log.WithFields(b.LogTags).Warnf(
				"Subscriber %s channel filled during flush, %d still buffered",
				entry.id, entry.retained.size(),
			)
			return
		}
	}
	if flushed > 0 {
		log.WithFields(b.LogTags).Infof(
			"Flushed %d buffered events to subscriber %s", flushed, entry.id,
		)
	}
}

// ----------------------------------------------------------------------------------------

type busRemoveSpecReq struct {
	subscriberID string
	specName     string
	resultCB     func(error)
}

// RemoveSubscription drop one named spec from a subscriber
func (b *eventBusImpl) RemoveSubscription(
	ctxt context.Context, subscriberID string, specName string,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := busRemoveSpecReq{subscriberID: subscriberID, specName: specName, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit remove-subscription request for %s", subscriberID,
		)
		return err
	}

	<-complete
	return processError
}

func (b *eventBusImpl) processRemoveSpecRequest(param interface{}) error {
	request, ok := param.(busRemoveSpecReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for remove-subscription", reflect.TypeOf(param),
		)
	}
	err := b.ProcessRemoveSpecRequest(request.subscriberID, request.specName)
	request.resultCB(err)
	return err
}

// ProcessRemoveSpecRequest drop one named spec from a subscriber
func (b *eventBusImpl) ProcessRemoveSpecRequest(subscriberID string, specName string) error {
	entry, ok := b.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("subscriber %s is not registered", subscriberID)
	}
	if _, ok := entry.specs[specName]; !ok {
		return fmt.Errorf("subscriber %s holds no subscription %s", subscriberID, specName)
	}
	delete(entry.specs, specName)
	log.WithFields(b.LogTags).Infof(
		"Removed subscription %s from subscriber %s", specName, subscriberID,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type busSuspendReq struct {
	subscriberID string
	resultCB     func(error)
}

// Suspend mark a subscriber's channel as unattended
func (b *eventBusImpl) Suspend(ctxt context.Context, subscriberID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := busSuspendReq{subscriberID: subscriberID, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit suspend request for %s", subscriberID,
		)
		return err
	}

	<-complete
	return processError
}

func (b *eventBusImpl) processSuspendRequest(param interface{}) error {
	request, ok := param.(busSuspendReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for suspend", reflect.TypeOf(param),
		)
	}
	err := b.ProcessSuspendRequest(request.subscriberID)
	request.resultCB(err)
	return err
}

// ProcessSuspendRequest mark a subscriber's channel as unattended. Events still
// sitting in the channel move to the front of the retry buffer so publication
// order survives the reconnect.
func (b *eventBusImpl) ProcessSuspendRequest(subscriberID string) error {
	entry, ok := b.subscribers[subscriberID]
	if !ok {
		// Suspending an unknown subscriber is a no-op
		return nil
	}
	if !entry.active {
		return nil
	}
	var undelivered []common.Event
	drained := false
	for !drained {
		select {
		case event := <-entry.deliver:
			undelivered = append(undelivered, event)
		default:
			drained = true
		}
	}
	if len(undelivered) > 0 {
		droppedCount := entry.retained.prepend(undelivered)
		if droppedCount > 0 {
			log.WithFields(b.LogTags).Warnf(
				"Dropped %d oldest buffered events for %s", droppedCount, subscriberID,
			)
		}
	}
	entry.active = false
	log.WithFields(b.LogTags).Infof(
		"Suspended subscriber %s with %d buffered events", subscriberID, entry.retained.size(),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type busUnsubscribeReq struct {
	subscriberID string
	resultCB     func(error)
}

// Unsubscribe remove a subscriber entirely
func (b *eventBusImpl) Unsubscribe(ctxt context.Context, subscriberID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := busUnsubscribeReq{subscriberID: subscriberID, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit unsubscribe request for %s", subscriberID,
		)
		return err
	}

	<-complete
	return processError
}

func (b *eventBusImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(busUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe", reflect.TypeOf(param),
		)
	}
	err := b.ProcessUnsubscribeRequest(request.subscriberID)
	request.resultCB(err)
	return err
}

// ProcessUnsubscribeRequest remove a subscriber entirely
func (b *eventBusImpl) ProcessUnsubscribeRequest(subscriberID string) error {
	if _, ok := b.subscribers[subscriberID]; !ok {
		// Idempotent
		return nil
	}
	delete(b.subscribers, subscriberID)
	log.WithFields(b.LogTags).Infof("Removed subscriber %s", subscriberID)
	return nil
}

// ----------------------------------------------------------------------------------------

type busPublishReq struct {
	event    common.Event
	resultCB func()
}

// Publish hand the bus an event for fan-out. Blocks until the fan-out step ran,
// but delivery failures never surface here.
func (b *eventBusImpl) Publish(ctxt context.Context, event common.Event) error {
	complete := make(chan bool, 1)
	handler := func() {
		complete <- true
	}

	request := busPublishReq{event: event, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to submit publish request for event type %s", event.Type,
		)
		return err
	}

	<-complete
	return nil
}

func (b *eventBusImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(busPublishReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for publish", reflect.TypeOf(param),
		)
	}
	b.ProcessPublishRequest(request.event)
	request.resultCB()
	return nil
}

// matchesEntry check the union of the subscriber's specs against the event
func matchesEntry(entry *subscriberEntry, event common.Event) bool {
	for _, spec := range entry.specs {
		if common.TypeListMatches(spec.EventTypes, event.Type) &&
			spec.Filter.Matches(event.Metadata) {
			return true
		}
	}
	return false
}

// ProcessPublishRequest match the event against every subscriber and attempt one
// delivery per match. One subscriber's failure never affects another.
func (b *eventBusImpl) ProcessPublishRequest(event common.Event) {
	startTime := time.Now()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = startTime
	}
	typeMetrics := b.metricsFor(event.Type)
	typeMetrics.Published++

	for _, entry := range b.subscribers {
		if !matchesEntry(entry, event) {
			continue
		}
		// Once a subscriber has a backlog, everything routes through the buffer
		// so publication order holds across the reconnect.
		if !entry.active || entry.retained.size() > 0 {
			b.bufferForEntry(entry, event, typeMetrics)
			continue
		}
		select {
		case entry.deliver <- event:
			typeMetrics.Delivered++
		default:
			b.bufferForEntry(entry, event, typeMetrics)
		}
	}

	typeMetrics.FanoutLatencyUS += time.Since(startTime).Microseconds()
}

func (b *eventBusImpl) bufferForEntry(
	entry *subscriberEntry, event common.Event, typeMetrics *EventTypeMetrics,
) {
	typeMetrics.Buffered++
	if entry.retained.append(event) {
		typeMetrics.Dropped++
		log.WithFields(b.LogTags).Debugf(
			"Retry buffer for %s full, dropped oldest entry", entry.id,
		)
	}
}

// ----------------------------------------------------------------------------------------

type busMetricsReq struct {
	resultCB func(BusMetrics, error)
}

// Metrics read a snapshot of the bus counters
func (b *eventBusImpl) Metrics(ctxt context.Context) (BusMetrics, error) {
	complete := make(chan bool, 1)
	var report BusMetrics
	var processError error
	handler := func(m BusMetrics, err error) {
		report = m
		processError = err
		complete <- true
	}

	request := busMetricsReq{resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit metrics request")
		return BusMetrics{}, err
	}

	<-complete
	return report, processError
}

func (b *eventBusImpl) processMetricsRequest(param interface{}) error {
	request, ok := param.(busMetricsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for metrics", reflect.TypeOf(param),
		)
	}
	report, err := b.ProcessMetricsRequest()
	request.resultCB(report, err)
	return err
}

// ProcessMetricsRequest snapshot the bus counters
func (b *eventBusImpl) ProcessMetricsRequest() (BusMetrics, error) {
	flattened := make(map[string]EventTypeMetrics, len(b.metrics))
	for eventType, counters := range b.metrics {
		flattened[eventType] = *counters
	}
	report := BusMetrics{Subscribers: len(b.subscribers)}
	if err := common.DeepCopy(&flattened, &report.EventTypes); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to snapshot bus metrics")
		return BusMetrics{}, err
	}
	return report, nil
}
