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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/eventbus"
	"github.com/vidmetrics/eventgw/gate"
	"github.com/vidmetrics/eventgw/registry"
)

// APIRestSSEHandler REST handler for the push-only event stream transport
type APIRestSSEHandler struct {
	goutils.RestAPIHandler
	gate              gate.AccessGate
	connections       registry.ConnectionRegistry
	bus               eventbus.EventBus
	heartbeatInterval time.Duration
	baseContext       context.Context
}

// GetAPIRestSSEHandler define APIRestSSEHandler
func GetAPIRestSSEHandler(
	baseContext context.Context,
	accessGate gate.AccessGate,
	connections registry.ConnectionRegistry,
	bus eventbus.EventBus,
	httpConfig *common.HTTPConfig,
	transportConfig common.TransportConfig,
) (APIRestSSEHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "sse-transport",
	}
	return APIRestSSEHandler{
		RestAPIHandler:    newRestAPIHandler(logTags, httpConfig),
		gate:              accessGate,
		connections:       connections,
		bus:               bus,
		heartbeatInterval: time.Second * time.Duration(transportConfig.HeartbeatInterval),
		baseContext:       baseContext,
	}, nil
}

// disconnectNotice payload of the final frame sent before the stream closes
type disconnectNotice struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
}

// connectNotice payload of the first frame sent on a new stream
type connectNotice struct {
	ConnectionID string `json:"connection_id"`
	SubscriberID string `json:"subscriber_id"`
	UserID       string `json:"user_id"`
}

// writeSSEFrame serialize one event in text/event-stream framing
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, event common.Event) error {
	payload, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if event.RetryMS != nil {
		if _, err := fmt.Fprintf(w, "retry: %d\n", *event.RetryMS); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Subscribe godoc
// @Summary Establish a push event stream
// @Description Establish a long lived server-sent event stream carrying matching
// gateway events. The stream closes on client disconnect, idle eviction, or
// server shutdown. The final frame always carries the termination reason.
// @tags Transport
// @Produce text/event-stream
// @Param Eventgw-Request-ID header string false "User provided request ID to match against logs"
// @Param api_key query string true "API key of the subscribing user"
// @Param subscriber_id query string false "Stable subscriber identity for event replay across reconnects"
// @Param event_types query string false "Comma separated event types to receive (DEFAULT: all)"
// @Param video_id query string false "Only receive events for this video"
// @Param channel_id query string false "Only receive events for this channel"
// @Param severity query string false "Only receive events of this severity"
// @Param tool_name query string false "Only receive events from this tool"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 406 {object} goutils.RestAPIBaseResponse "error"
// @Failure 429 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 401,406,429,503 {string} Eventgw-Request-ID "Request ID to match against logs"
// @Router /v1/events [get]
func (h APIRestSSEHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	streaming := false
	var respCode int
	var respBody interface{}
	defer func() {
		// Only pre-stream failures produce a JSON response
		if streaming {
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// --------------------------------------------------------------------------
	// Only event stream consumers are served here
	if !acceptsEventStream(r.Header.Get("Accept")) {
		msg := "Endpoint only serves text/event-stream"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusNotAcceptable
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotAcceptable, msg, msg)
		return
	}

	// --------------------------------------------------------------------------
	// Authenticate before anything else
	apiKey, ok := readExactlyOneQueryParam(r, "api_key")
	if !ok {
		msg := "Missing API key"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}
	userID, err := h.gate.Authenticate(r.Context(), apiKey)
	if err != nil {
		msg := "Authentication failed"
		log.WithError(err).WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	// --------------------------------------------------------------------------
	// Read subscription parameters
	connectionID := uuid.New().String()
	subscriberID := connectionID
	if v, ok := readExactlyOneQueryParam(r, "subscriber_id"); ok {
		subscriberID = v
	}
	spec := eventbus.SubscriptionSpec{
		Name:   "default",
		Filter: common.SubscriptionFilter{UserID: userID},
	}
	if v, ok := readExactlyOneQueryParam(r, "event_types"); ok {
		for _, eventType := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(eventType); trimmed != "" {
				spec.EventTypes = append(spec.EventTypes, trimmed)
			}
		}
	}
	if v, ok := readExactlyOneQueryParam(r, "video_id"); ok {
		spec.Filter.VideoID = v
	}
	if v, ok := readExactlyOneQueryParam(r, "channel_id"); ok {
		spec.Filter.ChannelID = v
	}
	if v, ok := readExactlyOneQueryParam(r, "severity"); ok {
		spec.Filter.Severity = v
	}
	if v, ok := readExactlyOneQueryParam(r, "tool_name"); ok {
		spec.Filter.ToolName = v
	}

	// Define custom log tags for this instance
	logTags := localLogTagsInitial
	logTags["connection"] = connectionID
	logTags["subscriber"] = subscriberID
	logTags["user"] = userID

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	// --------------------------------------------------------------------------
	// Register the connection. The registry terminate callback feeds the reason
	// back into the stream loop.
	terminateSignal := make(chan common.TerminationReason, 1)
	terminate := func(reason common.TerminationReason) {
		select {
		case terminateSignal <- reason:
		default:
		}
	}
	if err := h.connections.Register(r.Context(), registry.Connection{
		ID:           connectionID,
		UserID:       userID,
		Transport:    registry.TransportPush,
		SubscriberID: subscriberID,
		Terminate:    terminate,
	}); err != nil {
		msg := "Connection rejected"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusTooManyRequests
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusTooManyRequests, msg, msg)
		return
	}
	defer func() {
		if err := h.connections.Unregister(context.Background(), connectionID); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to unregister connection")
		}
	}()

	deliver, err := h.bus.Subscribe(r.Context(), subscriberID, spec)
	if err != nil {
		msg := "Subscription rejected"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		if errors.Is(err, common.ErrSubscriberLimit) {
			respCode = http.StatusServiceUnavailable
		} else {
			respCode = http.StatusInternalServerError
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}
	defer func() {
		// Suspension keeps the subscriber's retry buffer for reconnection
		if err := h.bus.Suspend(context.Background(), subscriberID); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to suspend subscriber")
		}
	}()

	// --------------------------------------------------------------------------
	// Start streaming
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	streaming = true

	sendEvent := func(event common.Event) error {
		if err := writeSSEFrame(w, writeFlusher, event); err != nil {
			return err
		}
		return h.connections.Touch(h.baseContext, connectionID)
	}
	buildNotice := func(eventType string, payload interface{}) common.Event {
		body, _ := json.Marshal(payload)
		return common.Event{
			ID:          uuid.New().String(),
			Type:        eventType,
			Payload:     body,
			Metadata:    common.EventMetadata{UserID: userID},
			PublishedAt: time.Now(),
		}
	}

	if err := sendEvent(buildNotice(common.EventTypeConnected, connectNotice{
		ConnectionID: connectionID, SubscriberID: subscriberID, UserID: userID,
	})); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send connected frame")
		return
	}
	log.WithFields(logTags).Info("Established push event stream")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	reason := common.TerminationClientClose
	complete := false
	for !complete {
		select {
		case <-h.baseContext.Done():
			reason = common.TerminationServerShutdown
			complete = true
			log.WithFields(logTags).Info("Terminating push stream on server stop")
		case <-r.Context().Done():
			reason = common.TerminationClientClose
			complete = true
			log.WithFields(logTags).Info("Terminating push stream on request end")
		case evicted := <-terminateSignal:
			reason = evicted
			complete = true
			log.WithFields(logTags).Infof("Terminating push stream: %s", evicted)
		case <-heartbeat.C:
			event := buildNotice(common.EventTypeHeartbeat, map[string]string{
				"connection_id": connectionID,
			})
			if err := sendEvent(event); err != nil {
				reason = common.TerminationWriteFailure
				complete = true
				log.WithError(err).WithFields(logTags).Error("Heartbeat write failed")
			}
		case event, ok := <-deliver:
			if !ok {
				reason = common.TerminationServerShutdown
				complete = true
				break
			}
			if err := sendEvent(event); err != nil {
				reason = common.TerminationWriteFailure
				complete = true
				log.WithError(err).WithFields(logTags).Error("Event write failed")
				if err := h.connections.RecordWriteFailure(
					h.baseContext, connectionID,
				); err != nil {
					log.WithError(err).WithFields(logTags).Error(
						"Failed to record write failure",
					)
				}
			}
		}
	}

	// Best effort farewell carrying the termination reason
	if reason != common.TerminationWriteFailure {
		notice := buildNotice(common.EventTypeDisconnecting, disconnectNotice{
			ConnectionID: connectionID, Reason: string(reason),
		})
		if err := writeSSEFrame(w, writeFlusher, notice); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Failed to send farewell frame")
		}
	}
	log.WithFields(logTags).Infof("Closed push event stream: %s", reason)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestSSEHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}
