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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/vidmetrics/eventgw/common"
)

// stubToolDispatcher canned tool backend for duplex tests
type stubToolDispatcher struct {
	calls   int
	failing bool
}

func (d *stubToolDispatcher) ListTools(ctxt context.Context) ([]ToolDescription, error) {
	return []ToolDescription{
		{Name: "transcriber", Description: "Transcribe a video"},
		{Name: "summarizer", Description: "Summarize a transcript"},
	}, nil
}

func (d *stubToolDispatcher) CallTool(
	ctxt context.Context, toolName string, arguments json.RawMessage,
) (json.RawMessage, error) {
	d.calls++
	if d.failing {
		return nil, fmt.Errorf("tool backend offline")
	}
	return json.RawMessage(fmt.Sprintf(`{"tool": "%s", "ok": true}`, toolName)), nil
}

func defineTestWSServer(
	t *testing.T, gateway *testGateway, tools ToolDispatcher, toolCallCost int64,
) (*httptest.Server, *websocket.Conn) {
	assert := assert.New(t)
	uut, err := GetAPIRestWebsocketHandler(
		gateway.baseContext,
		gateway.gate,
		gateway.connections,
		gateway.bus,
		tools,
		gateway.httpConfig,
		common.TransportConfig{HeartbeatInterval: 30},
		toolCallCost,
	)
	assert.Nil(err)

	router := mux.NewRouter()
	RegisterPathPrefix(router, "/v1/ws", MethodHandlers{
		http.MethodGet: uut.ConnectHandler(),
	})
	svr := httptest.NewServer(router)

	wsURL := fmt.Sprintf("%s/v1/ws", strings.Replace(svr.URL, "http", "ws", 1))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	return svr, conn
}

func readWSFrame(assert *assert.Assertions, conn *websocket.Conn) WSFrame {
	var frame WSFrame
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
	assert.Nil(conn.ReadJSON(&frame))
	return frame
}

// readWSResponse skip event frames until the response with the given ID arrives
func readWSResponse(assert *assert.Assertions, conn *websocket.Conn, requestID string) WSFrame {
	for i := 0; i < 16; i++ {
		frame := readWSFrame(assert, conn)
		if frame.Type == WSFrameTypeResponse && frame.ID == requestID {
			return frame
		}
	}
	assert.FailNow("response frame never arrived")
	return WSFrame{}
}

func sendWSRequest(
	assert *assert.Assertions, conn *websocket.Conn, method string, params interface{},
) string {
	requestID := uuid.New().String()
	frame := WSFrame{
		ID:        requestID,
		Type:      WSFrameTypeRequest,
		Method:    method,
		Timestamp: time.Now(),
	}
	if params != nil {
		body, err := json.Marshal(params)
		assert.Nil(err)
		frame.Params = body
	}
	assert.Nil(conn.WriteJSON(&frame))
	return requestID
}

func resultField(assert *assert.Assertions, frame WSFrame, field string) interface{} {
	result, ok := frame.Result.(map[string]interface{})
	assert.True(ok)
	return result[field]
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)
	gateway := defineTestGateway(
		t, defaultBusParams(), defaultRegistryParams(), defaultGateParams(),
	)
	defer gateway.shutdown()
	tools := &stubToolDispatcher{}
	svr, conn := defineTestWSServer(t, gateway, tools, 10)
	defer svr.Close()
	defer func() {
		_ = conn.Close()
	}()

	// Case 1: handshake notification opens the session
	frame := readWSFrame(assert, conn)
	assert.Equal(WSFrameTypeNotification, frame.Type)
	assert.Equal(wsHandshakeMethod, frame.Method)
	assert.Equal(true, resultField(assert, frame, "authRequired"))
	assert.Equal(wsServerVersion, resultField(assert, frame, "serverVersion"))
	assert.Equal(wsProtocolVersion, resultField(assert, frame, "protocolVersion"))
	assert.NotEmpty(resultField(assert, frame, "capabilities"))

	// Case 2: methods before authentication are rejected without state change
	requestID := sendWSRequest(assert, conn, WSMethodListTools, nil)
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusUnauthorized, frame.Error.Code)

	// Case 3: bad credentials are rejected
	requestID = sendWSRequest(assert, conn, WSMethodAuthenticate, wsAuthenticateParams{
		APIKey: "vmk_none_0123456789abcdef",
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusUnauthorized, frame.Error.Code)

	// Case 4: authentication binds the session to the key's user
	requestID = sendWSRequest(assert, conn, WSMethodAuthenticate, wsAuthenticateParams{
		APIKey: utTestAPIKey,
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)
	assert.Equal("user-1", resultField(assert, frame, "user_id"))
	assert.NotNil(resultField(assert, frame, "quota"))

	// Case 5: the session holds a registered duplex connection
	count, err := gateway.connections.CountForUser(context.Background(), "user-1")
	assert.Nil(err)
	assert.Equal(1, count)

	// Case 6: double authentication is refused
	requestID = sendWSRequest(assert, conn, WSMethodAuthenticate, wsAuthenticateParams{
		APIKey: utTestAPIKey,
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusBadRequest, frame.Error.Code)

	// Case 7: matching bus events arrive as event frames
	published := common.Event{
		ID:          uuid.New().String(),
		Type:        common.EventTypeTrendUpdate,
		Payload:     json.RawMessage(`{"views": 7}`),
		Metadata:    common.EventMetadata{UserID: "user-1"},
		PublishedAt: time.Now(),
	}
	assert.Nil(gateway.bus.Publish(context.Background(), published))
	frame = readWSFrame(assert, conn)
	assert.Equal(WSFrameTypeEvent, frame.Type)
	assert.Equal(common.EventTypeTrendUpdate, frame.Method)
	assert.Equal(published.ID, frame.ID)
}

func TestWebsocketToolInvocation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)
	gateParams := defaultGateParams()
	gateParams.DailyQuotaLimit = 25
	gateway := defineTestGateway(
		t, defaultBusParams(), defaultRegistryParams(), gateParams,
	)
	defer gateway.shutdown()
	tools := &stubToolDispatcher{}
	svr, conn := defineTestWSServer(t, gateway, tools, 10)
	defer svr.Close()
	defer func() {
		_ = conn.Close()
	}()

	_ = readWSFrame(assert, conn)
	requestID := sendWSRequest(assert, conn, WSMethodAuthenticate, wsAuthenticateParams{
		APIKey: utTestAPIKey,
	})
	frame := readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)

	// Case 1: tool listing
	requestID = sendWSRequest(assert, conn, WSMethodListTools, nil)
	frame = readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)
	listed, ok := resultField(assert, frame, "tools").([]interface{})
	assert.True(ok)
	assert.Len(listed, 2)

	// Case 2: tool call returns the backend output and emits lifecycle events
	requestID = sendWSRequest(assert, conn, WSMethodCallTool, wsCallToolParams{
		ToolName: "transcriber", Arguments: json.RawMessage(`{"video_id": "vid-1"}`),
	})
	sawStarted := false
	sawCompleted := false
	var response WSFrame
	for i := 0; i < 16; i++ {
		frame = readWSFrame(assert, conn)
		if frame.Type == WSFrameTypeEvent && frame.Method == common.EventTypeToolStarted {
			sawStarted = true
		}
		if frame.Type == WSFrameTypeEvent && frame.Method == common.EventTypeToolCompleted {
			sawCompleted = true
		}
		if frame.Type == WSFrameTypeResponse && frame.ID == requestID {
			response = frame
		}
		if sawStarted && sawCompleted && response.ID != "" {
			break
		}
	}
	assert.True(sawStarted)
	assert.True(sawCompleted)
	assert.Nil(response.Error)
	assert.Equal("transcriber", resultField(assert, response, "tool_name"))
	assert.Equal(1, tools.calls)

	// Case 3: a failing tool reports its error and emits tool_failed
	tools.failing = true
	requestID = sendWSRequest(assert, conn, WSMethodCallTool, wsCallToolParams{
		ToolName: "transcriber",
	})
	sawFailed := false
	response = WSFrame{}
	for i := 0; i < 16; i++ {
		frame = readWSFrame(assert, conn)
		if frame.Type == WSFrameTypeEvent && frame.Method == common.EventTypeToolFailed {
			sawFailed = true
		}
		if frame.Type == WSFrameTypeResponse && frame.ID == requestID {
			response = frame
		}
		if sawFailed && response.ID != "" {
			break
		}
	}
	assert.True(sawFailed)
	assert.NotNil(response.Error)
	tools.failing = false

	// Case 4: quota runs out after the limit is consumed
	requestID = sendWSRequest(assert, conn, WSMethodCallTool, wsCallToolParams{
		ToolName: "summarizer",
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusTooManyRequests, frame.Error.Code)
}

func TestWebsocketSubscriptionManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)
	gateway := defineTestGateway(
		t, defaultBusParams(), defaultRegistryParams(), defaultGateParams(),
	)
	defer gateway.shutdown()
	tools := &stubToolDispatcher{}
	svr, conn := defineTestWSServer(t, gateway, tools, 10)
	defer svr.Close()
	defer func() {
		_ = conn.Close()
	}()

	_ = readWSFrame(assert, conn)
	requestID := sendWSRequest(assert, conn, WSMethodAuthenticate, wsAuthenticateParams{
		APIKey: utTestAPIKey,
	})
	frame := readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)

	// Case 1: adding a named subscription
	requestID = sendWSRequest(assert, conn, WSMethodSubscribe, wsSubscribeParams{
		Name:       "trends",
		EventTypes: []string{common.EventTypeTrendUpdate},
		ChannelID:  "chan-1",
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)
	assert.Equal("trends", resultField(assert, frame, "subscription"))

	// Case 2: a subscription needs a name
	requestID = sendWSRequest(assert, conn, WSMethodSubscribe, wsSubscribeParams{})
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusBadRequest, frame.Error.Code)

	// Case 3: removing the named subscription
	requestID = sendWSRequest(assert, conn, WSMethodUnsubscribe, wsSubscribeParams{
		Name: "trends",
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.Nil(frame.Error)

	// Case 4: removing it again fails
	requestID = sendWSRequest(assert, conn, WSMethodUnsubscribe, wsSubscribeParams{
		Name: "trends",
	})
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)

	// Case 5: unknown methods are answered, not dropped
	requestID = sendWSRequest(assert, conn, "tools/promote", nil)
	frame = readWSResponse(assert, conn, requestID)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusNotFound, frame.Error.Code)
}

func TestWebsocketMalformedFrames(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)
	gateway := defineTestGateway(
		t, defaultBusParams(), defaultRegistryParams(), defaultGateParams(),
	)
	defer gateway.shutdown()
	tools := &stubToolDispatcher{}
	svr, conn := defineTestWSServer(t, gateway, tools, 10)
	defer svr.Close()
	defer func() {
		_ = conn.Close()
	}()

	_ = readWSFrame(assert, conn)

	// Case 1: garbage draws an error response but keeps the session open
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readWSFrame(assert, conn)
	assert.Equal(WSFrameTypeResponse, frame.Type)
	assert.NotNil(frame.Error)
	assert.Equal(http.StatusBadRequest, frame.Error.Code)

	// Case 2: non-request frames are refused
	assert.Nil(conn.WriteJSON(&WSFrame{Type: WSFrameTypeEvent, Timestamp: time.Now()}))
	frame = readWSFrame(assert, conn)
	assert.NotNil(frame.Error)

	// Case 3: an application ping frame draws a pong, never an error
	assert.Nil(conn.WriteJSON(&WSFrame{
		ID: "ping-1", Type: WSFrameTypePing, Timestamp: time.Now(),
	}))
	frame = readWSFrame(assert, conn)
	assert.Nil(frame.Error)
	assert.Equal(WSFrameTypePong, frame.Type)
	assert.Equal("ping-1", frame.ID)

	// Case 4: an inbound pong frame is silently absorbed
	assert.Nil(conn.WriteJSON(&WSFrame{Type: WSFrameTypePong, Timestamp: time.Now()}))

	// Case 5: repeated garbage closes the session
	for i := 0; i < maxMalformedFrames; i++ {
		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("still not json")))
	}
	sawClose := false
	for i := 0; i < maxMalformedFrames+2; i++ {
		var ignored WSFrame
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
		if err := conn.ReadJSON(&ignored); err != nil {
			assert.True(websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData))
			sawClose = true
			break
		}
	}
	assert.True(sawClose)
}
