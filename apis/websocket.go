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
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/eventbus"
	"github.com/vidmetrics/eventgw/gate"
	"github.com/vidmetrics/eventgw/registry"
)

// Frame kinds carried over the duplex transport
const (
	WSFrameTypeRequest      = "request"
	WSFrameTypeResponse     = "response"
	WSFrameTypeEvent        = "event"
	WSFrameTypeNotification = "notification"
	WSFrameTypePing         = "ping"
	WSFrameTypePong         = "pong"
)

// Methods understood by the duplex transport
const (
	WSMethodAuthenticate = "authenticate"
	WSMethodListTools    = "tools/list"
	WSMethodCallTool     = "tools/call"
	WSMethodSubscribe    = "subscribe"
	WSMethodUnsubscribe  = "unsubscribe"
)

const (
	wsWriteWait         = time.Second * 10
	maxMalformedFrames  = 5
	wsHandshakeMethod   = "handshake"
	wsDisconnectMethod  = "connection/closing"
	defaultSubscription = "default"
	wsServerVersion     = "v0.1.0"
	wsProtocolVersion   = "1.0"
)

// wsCapabilities features announced in the handshake notification
var wsCapabilities = []string{"tools", "subscriptions", "heartbeat"}

// WSError error body of a failed request frame
type WSError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WSFrame one message on the duplex transport
type WSFrame struct {
	// ID correlates a response with its request
	ID string `json:"id,omitempty"`
	// Type is the frame kind
	Type string `json:"type" validate:"required,oneof=request response event notification ping pong"`
	// Method names the requested operation, or the event type on event frames
	Method string `json:"method,omitempty"`
	// Params carries request arguments
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the response or event body
	Result interface{} `json:"result,omitempty"`
	// Error is set on failed requests
	Error *WSError `json:"error,omitempty"`
	// Timestamp is when the frame was formed
	Timestamp time.Time `json:"timestamp"`
}

// ToolDescription one invocable tool
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolDispatcher executes tool invocations on behalf of duplex clients
type ToolDispatcher interface {
	// ListTools enumerate the invocable tools
	ListTools(ctxt context.Context) ([]ToolDescription, error)
	// CallTool run one tool to completion
	CallTool(
		ctxt context.Context, toolName string, arguments json.RawMessage,
	) (json.RawMessage, error)
}

// APIRestWebsocketHandler REST handler for the duplex transport
type APIRestWebsocketHandler struct {
	goutils.RestAPIHandler
	gate              gate.AccessGate
	connections       registry.ConnectionRegistry
	bus               eventbus.EventBus
	tools             ToolDispatcher
	upgrader          websocket.Upgrader
	validate          *validator.Validate
	heartbeatInterval time.Duration
	toolCallCost      int64
	baseContext       context.Context
}

// GetAPIRestWebsocketHandler define APIRestWebsocketHandler
func GetAPIRestWebsocketHandler(
	baseContext context.Context,
	accessGate gate.AccessGate,
	connections registry.ConnectionRegistry,
	bus eventbus.EventBus,
	tools ToolDispatcher,
	httpConfig *common.HTTPConfig,
	transportConfig common.TransportConfig,
	toolCallCost int64,
) (APIRestWebsocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "websocket-transport",
	}
	return APIRestWebsocketHandler{
		RestAPIHandler: newRestAPIHandler(logTags, httpConfig),
		gate:           accessGate,
		connections:    connections,
		bus:            bus,
		tools:          tools,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate:          validator.New(),
		heartbeatInterval: time.Second * time.Duration(transportConfig.HeartbeatInterval),
		toolCallCost:      toolCallCost,
		baseContext:       baseContext,
	}, nil
}

// wsAuthenticateParams arguments of the authenticate method
type wsAuthenticateParams struct {
	APIKey       string `json:"api_key" validate:"required"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// wsCallToolParams arguments of the tools/call method
type wsCallToolParams struct {
	ToolName  string          `json:"tool_name" validate:"required"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// wsSubscribeParams arguments of the subscribe and unsubscribe methods
type wsSubscribeParams struct {
	Name       string   `json:"name,omitempty"`
	ToolName   string   `json:"tool_name,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	VideoID    string   `json:"video_id,omitempty"`
	ChannelID  string   `json:"channel_id,omitempty"`
	Severity   string   `json:"severity,omitempty"`
}

// wsSession per-connection state of one duplex client
type wsSession struct {
	conn         *websocket.Conn
	connectionID string
	subscriberID string
	userID       string
	deliver      <-chan common.Event
	malformed    int
	logTags      log.Fields
}

func (s *wsSession) authenticated() bool {
	return s.userID != ""
}

// writeFrame send one frame. All writes funnel through the session loop, so no
// additional write lock is needed.
func (s *wsSession) writeFrame(frame WSFrame) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(&frame)
}

func (s *wsSession) writeErrorFrame(requestID string, code int, message string) error {
	return s.writeFrame(WSFrame{
		ID:    requestID,
		Type:  WSFrameTypeResponse,
		Error: &WSError{Code: code, Message: message},
	})
}

// Connect godoc
// @Summary Establish a duplex event and control channel
// @Description Upgrade to a WebSocket session. The client must authenticate with
// its API key before any other method is accepted. Matching gateway events are
// delivered as event frames; tool invocations run through the request / response
// frames. The session closes on client close, idle eviction, or server shutdown.
// @tags Transport
// @Param Eventgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h APIRestWebsocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader has already written the HTTP error
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	session := &wsSession{
		conn:         conn,
		connectionID: uuid.New().String(),
		logTags:      localLogTags,
	}
	session.logTags["connection"] = session.connectionID

	reason := h.runSession(r, session)

	// Best effort farewell notification plus close frame
	closeCode := websocket.CloseNormalClosure
	if reason == common.TerminationServerShutdown || reason == common.TerminationIdleTimeout {
		closeCode = websocket.CloseGoingAway
	}
	if reason != common.TerminationClientClose && reason != common.TerminationWriteFailure {
		if err := session.writeFrame(WSFrame{
			Type:   WSFrameTypeNotification,
			Method: wsDisconnectMethod,
			Result: disconnectNotice{
				ConnectionID: session.connectionID, Reason: string(reason),
			},
		}); err != nil {
			log.WithError(err).WithFields(session.logTags).Debug(
				"Failed to send farewell frame",
			)
		}
		deadline := time.Now().Add(wsWriteWait)
		if err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, string(reason)),
			deadline,
		); err != nil {
			log.WithError(err).WithFields(session.logTags).Debug("Failed to send close frame")
		}
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).WithFields(session.logTags).Debug("Connection close failed")
	}

	if session.authenticated() {
		// Suspension keeps the subscriber's retry buffer for reconnection
		if err := h.bus.Suspend(context.Background(), session.subscriberID); err != nil {
			log.WithError(err).WithFields(session.logTags).Error("Failed to suspend subscriber")
		}
		if err := h.connections.Unregister(context.Background(), session.connectionID); err != nil {
			log.WithError(err).WithFields(session.logTags).Error(
				"Failed to unregister connection",
			)
		}
	}
	log.WithFields(session.logTags).Infof("Closed duplex session: %s", reason)
}

// runSession drive one duplex session to completion, returning the termination
// reason. The session loop is the only writer on the connection.
func (h APIRestWebsocketHandler) runSession(
	r *http.Request, session *wsSession,
) common.TerminationReason {
	terminateSignal := make(chan common.TerminationReason, 1)
	session.conn.SetPongHandler(func(string) error {
		_ = session.conn.SetReadDeadline(time.Now().Add(h.heartbeatInterval * 3))
		if session.authenticated() {
			if err := h.connections.Touch(h.baseContext, session.connectionID); err != nil {
				log.WithError(err).WithFields(session.logTags).Error(
					"Failed to touch connection",
				)
			}
		}
		return nil
	})
	_ = session.conn.SetReadDeadline(time.Now().Add(h.heartbeatInterval * 3))

	// Reader feeding the session loop
	inbound := make(chan []byte, 16)
	readFailed := make(chan error, 1)
	go func() {
		defer close(inbound)
		for {
			_, payload, err := session.conn.ReadMessage()
			if err != nil {
				readFailed <- err
				return
			}
			inbound <- payload
		}
	}()

	if err := session.writeFrame(WSFrame{
		Type:   WSFrameTypeNotification,
		Method: wsHandshakeMethod,
		Result: map[string]interface{}{
			"connection_id":          session.connectionID,
			"serverVersion":          wsServerVersion,
			"protocolVersion":        wsProtocolVersion,
			"capabilities":           wsCapabilities,
			"authRequired":           true,
			"heartbeat_interval_sec": int(h.heartbeatInterval.Seconds()),
		},
	}); err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Failed to send handshake")
		return common.TerminationWriteFailure
	}
	log.WithFields(session.logTags).Info("Established duplex session")

	// Tool calls run off-loop; their response frames come back through here
	callResults := make(chan WSFrame, 16)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.baseContext.Done():
			return common.TerminationServerShutdown
		case <-r.Context().Done():
			return common.TerminationClientClose
		case reason := <-terminateSignal:
			return reason
		case err := <-readFailed:
			if websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithFields(session.logTags).Info("Client closed duplex session")
			} else {
				log.WithError(err).WithFields(session.logTags).Info("Duplex read ended")
			}
			return common.TerminationClientClose
		case <-heartbeat.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := session.conn.WriteControl(
				websocket.PingMessage, nil, deadline,
			); err != nil {
				log.WithError(err).WithFields(session.logTags).Error("Ping write failed")
				if session.authenticated() {
					if err := h.connections.RecordWriteFailure(
						h.baseContext, session.connectionID,
					); err != nil {
						log.WithError(err).WithFields(session.logTags).Error(
							"Failed to record write failure",
						)
					}
				}
				return common.TerminationWriteFailure
			}
		case frame := <-callResults:
			if err := session.writeFrame(frame); err != nil {
				log.WithError(err).WithFields(session.logTags).Error("Response write failed")
				return common.TerminationWriteFailure
			}
		case event, ok := <-session.deliver:
			if !ok {
				return common.TerminationServerShutdown
			}
			if err := session.writeFrame(WSFrame{
				ID:     event.ID,
				Type:   WSFrameTypeEvent,
				Method: event.Type,
				Result: event,
			}); err != nil {
				log.WithError(err).WithFields(session.logTags).Error("Event write failed")
				if err := h.connections.RecordWriteFailure(
					h.baseContext, session.connectionID,
				); err != nil {
					log.WithError(err).WithFields(session.logTags).Error(
						"Failed to record write failure",
					)
				}
				return common.TerminationWriteFailure
			}
			if err := h.connections.Touch(h.baseContext, session.connectionID); err != nil {
				log.WithError(err).WithFields(session.logTags).Error(
					"Failed to touch connection",
				)
			}
		case payload, ok := <-inbound:
			if !ok {
				return common.TerminationClientClose
			}
			done, reason := h.handleInboundFrame(r, session, terminateSignal, callResults, payload)
			if done {
				return reason
			}
		}
	}
}

// handleInboundFrame parse and dispatch one client frame
func (h APIRestWebsocketHandler) handleInboundFrame(
	r *http.Request,
	session *wsSession,
	terminateSignal chan common.TerminationReason,
	callResults chan WSFrame,
	payload []byte,
) (bool, common.TerminationReason) {
	var frame WSFrame
	parseErr := json.Unmarshal(payload, &frame)
	if parseErr == nil {
		parseErr = h.validate.Struct(&frame)
	}
	if parseErr != nil {
		session.malformed++
		log.WithError(parseErr).WithFields(session.logTags).Warnf(
			"Malformed frame %d of %d tolerated", session.malformed, maxMalformedFrames,
		)
		if session.malformed >= maxMalformedFrames {
			deadline := time.Now().Add(wsWriteWait)
			_ = session.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseInvalidFramePayloadData, "too many malformed frames",
				),
				deadline,
			)
			return true, common.TerminationClientClose
		}
		if err := session.writeErrorFrame(
			frame.ID, http.StatusBadRequest, common.ErrMalformedMessage.Error(),
		); err != nil {
			return true, common.TerminationWriteFailure
		}
		return false, ""
	}
	// Application level ping and pong frames count as activity
	if frame.Type == WSFrameTypePing || frame.Type == WSFrameTypePong {
		if session.authenticated() {
			if err := h.connections.Touch(h.baseContext, session.connectionID); err != nil {
				log.WithError(err).WithFields(session.logTags).Error(
					"Failed to touch connection",
				)
			}
		}
		if frame.Type == WSFrameTypePing {
			if err := session.writeFrame(WSFrame{
				ID: frame.ID, Type: WSFrameTypePong,
			}); err != nil {
				return true, common.TerminationWriteFailure
			}
		}
		return false, ""
	}
	if frame.Type != WSFrameTypeRequest {
		if err := session.writeErrorFrame(
			frame.ID, http.StatusBadRequest, "only request frames are accepted",
		); err != nil {
			return true, common.TerminationWriteFailure
		}
		return false, ""
	}

	// Authentication gates every other method. A rejected frame leaves session
	// state untouched.
	if !session.authenticated() && frame.Method != WSMethodAuthenticate {
		if err := session.writeErrorFrame(
			frame.ID, http.StatusUnauthorized, "authentication required",
		); err != nil {
			return true, common.TerminationWriteFailure
		}
		return false, ""
	}

	switch frame.Method {
	case WSMethodAuthenticate:
		if err := h.handleAuthenticate(r, session, terminateSignal, frame); err != nil {
			return true, common.TerminationWriteFailure
		}
	case WSMethodListTools:
		if err := h.handleListTools(r, session, frame); err != nil {
			return true, common.TerminationWriteFailure
		}
	case WSMethodCallTool:
		if err := h.handleCallTool(r, session, callResults, frame); err != nil {
			return true, common.TerminationWriteFailure
		}
	case WSMethodSubscribe:
		if err := h.handleSubscribe(r, session, frame); err != nil {
			return true, common.TerminationWriteFailure
		}
	case WSMethodUnsubscribe:
		if err := h.handleUnsubscribe(r, session, frame); err != nil {
			return true, common.TerminationWriteFailure
		}
	default:
		if err := session.writeErrorFrame(
			frame.ID, http.StatusNotFound, fmt.Sprintf("unknown method %s", frame.Method),
		); err != nil {
			return true, common.TerminationWriteFailure
		}
	}
	return false, ""
}

func (h APIRestWebsocketHandler) handleAuthenticate(
	r *http.Request,
	session *wsSession,
	terminateSignal chan common.TerminationReason,
	frame WSFrame,
) error {
	if session.authenticated() {
		return session.writeErrorFrame(
			frame.ID, http.StatusBadRequest, "already authenticated",
		)
	}
	var params wsAuthenticateParams
	if err := json.Unmarshal(frame.Params, &params); err == nil {
		err = h.validate.Struct(&params)
		if err != nil {
			return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
		}
	} else {
		return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
	}

	userID, err := h.gate.Authenticate(r.Context(), params.APIKey)
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Info("Authentication rejected")
		return session.writeErrorFrame(
			frame.ID, http.StatusUnauthorized, "authentication failed",
		)
	}

	subscriberID := session.connectionID
	if params.SubscriberID != "" {
		subscriberID = params.SubscriberID
	}
	terminate := func(reason common.TerminationReason) {
		select {
		case terminateSignal <- reason:
		default:
		}
	}
	if err := h.connections.Register(r.Context(), registry.Connection{
		ID:           session.connectionID,
		UserID:       userID,
		Transport:    registry.TransportDuplex,
		SubscriberID: subscriberID,
		Terminate:    terminate,
	}); err != nil {
		log.WithError(err).WithFields(session.logTags).Info("Connection rejected")
		return session.writeErrorFrame(
			frame.ID, http.StatusTooManyRequests, "connection capacity reached",
		)
	}

	deliver, err := h.bus.Subscribe(r.Context(), subscriberID, eventbus.SubscriptionSpec{
		Name:   defaultSubscription,
		Filter: common.SubscriptionFilter{UserID: userID},
	})
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Subscription rejected")
		if unregErr := h.connections.Unregister(
			h.baseContext, session.connectionID,
		); unregErr != nil {
			log.WithError(unregErr).WithFields(session.logTags).Error(
				"Failed to unregister connection",
			)
		}
		return session.writeErrorFrame(
			frame.ID, http.StatusServiceUnavailable, "subscriber capacity reached",
		)
	}

	session.userID = userID
	session.subscriberID = subscriberID
	session.deliver = deliver
	session.logTags["user"] = userID
	session.logTags["subscriber"] = subscriberID
	log.WithFields(session.logTags).Info("Authenticated duplex session")

	quota, err := h.gate.CheckQuota(r.Context(), userID)
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Quota read failed")
	}
	return session.writeFrame(WSFrame{
		ID:   frame.ID,
		Type: WSFrameTypeResponse,
		Result: map[string]interface{}{
			"user_id":       userID,
			"connection_id": session.connectionID,
			"subscriber_id": subscriberID,
			"quota":         quota,
		},
	})
}

func (h APIRestWebsocketHandler) handleListTools(
	r *http.Request, session *wsSession, frame WSFrame,
) error {
	tools, err := h.tools.ListTools(r.Context())
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Tool listing failed")
		return session.writeErrorFrame(
			frame.ID, http.StatusInternalServerError, "tool listing failed",
		)
	}
	return session.writeFrame(WSFrame{
		ID:     frame.ID,
		Type:   WSFrameTypeResponse,
		Result: map[string]interface{}{"tools": tools},
	})
}

// handleCallTool run a quota-gated tool invocation. The call itself runs off the
// session loop; lifecycle events go to all matching subscribers through the bus.
func (h APIRestWebsocketHandler) handleCallTool(
	r *http.Request, session *wsSession, callResults chan WSFrame, frame WSFrame,
) error {
	var params wsCallToolParams
	if err := json.Unmarshal(frame.Params, &params); err == nil {
		err = h.validate.Struct(&params)
		if err != nil {
			return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
		}
	} else {
		return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
	}

	quota, err := h.gate.ConsumeQuota(r.Context(), session.userID, h.toolCallCost)
	if err != nil {
		if errors.Is(err, common.ErrQuotaExceeded) {
			return session.writeErrorFrame(
				frame.ID, http.StatusTooManyRequests, "daily quota exceeded",
			)
		}
		log.WithError(err).WithFields(session.logTags).Error("Quota consume failed")
		return session.writeErrorFrame(
			frame.ID, http.StatusInternalServerError, "quota check failed",
		)
	}

	userID := session.userID
	requestID := frame.ID
	logTags := session.logTags
	callCtxt := h.baseContext
	go func() {
		h.publishToolEvent(callCtxt, common.EventTypeToolStarted, userID, params.ToolName, nil)
		output, err := h.tools.CallTool(callCtxt, params.ToolName, params.Arguments)
		result := WSFrame{ID: requestID, Type: WSFrameTypeResponse}
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Tool %s invocation failed", params.ToolName,
			)
			result.Error = &WSError{
				Code: http.StatusInternalServerError, Message: err.Error(),
			}
			h.publishToolEvent(
				callCtxt, common.EventTypeToolFailed, userID, params.ToolName,
				map[string]interface{}{"error": err.Error()},
			)
		} else {
			result.Result = map[string]interface{}{
				"tool_name": params.ToolName,
				"output":    output,
				"quota":     quota,
			}
			h.publishToolEvent(
				callCtxt, common.EventTypeToolCompleted, userID, params.ToolName, nil,
			)
		}
		select {
		case callResults <- result:
		case <-callCtxt.Done():
		}
	}()
	return nil
}

// publishToolEvent emit one tool lifecycle event onto the bus
func (h APIRestWebsocketHandler) publishToolEvent(
	ctxt context.Context,
	eventType, userID, toolName string,
	extra map[string]interface{},
) {
	body := map[string]interface{}{"tool_name": toolName, "user_id": userID}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to build tool event")
		return
	}
	event := common.Event{
		Type:    eventType,
		Payload: payload,
		Metadata: common.EventMetadata{
			UserID:   userID,
			ToolName: toolName,
		},
		PublishedAt: time.Now(),
	}
	if err := h.bus.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to publish %s for tool %s", eventType, toolName,
		)
	}
}

func (h APIRestWebsocketHandler) handleSubscribe(
	r *http.Request, session *wsSession, frame WSFrame,
) error {
	var params wsSubscribeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
	}
	name := params.Name
	if name == "" {
		name = params.ToolName
	}
	if name == "" {
		return session.writeErrorFrame(
			frame.ID, http.StatusBadRequest, "subscription needs a name or tool_name",
		)
	}
	spec := eventbus.SubscriptionSpec{
		Name:       name,
		EventTypes: params.EventTypes,
		Filter: common.SubscriptionFilter{
			UserID:    session.userID,
			VideoID:   params.VideoID,
			ChannelID: params.ChannelID,
			Severity:  params.Severity,
			ToolName:  params.ToolName,
		},
	}
	if _, err := h.bus.Subscribe(r.Context(), session.subscriberID, spec); err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Subscription add failed")
		return session.writeErrorFrame(
			frame.ID, http.StatusServiceUnavailable, "subscription rejected",
		)
	}
	log.WithFields(session.logTags).Infof("Added subscription %s", name)
	return session.writeFrame(WSFrame{
		ID:     frame.ID,
		Type:   WSFrameTypeResponse,
		Result: map[string]interface{}{"subscription": name},
	})
}

func (h APIRestWebsocketHandler) handleUnsubscribe(
	r *http.Request, session *wsSession, frame WSFrame,
) error {
	var params wsSubscribeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return session.writeErrorFrame(frame.ID, http.StatusBadRequest, "invalid params")
	}
	name := params.Name
	if name == "" {
		name = params.ToolName
	}
	if name == "" {
		return session.writeErrorFrame(
			frame.ID, http.StatusBadRequest, "subscription needs a name or tool_name",
		)
	}
	if err := h.bus.RemoveSubscription(r.Context(), session.subscriberID, name); err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Subscription remove failed")
		return session.writeErrorFrame(
			frame.ID, http.StatusInternalServerError, "unsubscribe failed",
		)
	}
	log.WithFields(session.logTags).Infof("Removed subscription %s", name)
	return session.writeFrame(WSFrame{
		ID:     frame.ID,
		Type:   WSFrameTypeResponse,
		Result: map[string]interface{}{"subscription": name},
	})
}

// ConnectHandler Wrapper around Connect
func (h APIRestWebsocketHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
