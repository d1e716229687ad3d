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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/apis"
	"github.com/vidmetrics/eventgw/common"
)

// toolCallReply wire format of a tool handler's reply
type toolCallReply struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// natsToolDispatcher routes tool invocations to external handler processes over
// NATS request-reply. Each tool listens on "<prefix>.<toolName>"; the catalog
// lives behind "<prefix>._list".
type natsToolDispatcher struct {
	common.Component
	client        NatsClient
	subjectPrefix string
	callTimeout   time.Duration
}

// GetNatsToolDispatcher define a tool dispatcher backed by NATS request-reply
func GetNatsToolDispatcher(
	client NatsClient, subjectPrefix string, callTimeout time.Duration,
) (apis.ToolDispatcher, error) {
	logTags := log.Fields{
		"module":    "ingress",
		"component": "tool-dispatcher",
		"instance":  subjectPrefix,
	}
	return &natsToolDispatcher{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
		callTimeout:   callTimeout,
	}, nil
}

// ListTools enumerate the invocable tools from the catalog subject
func (d *natsToolDispatcher) ListTools(ctxt context.Context) ([]apis.ToolDescription, error) {
	useContext, cancel := context.WithTimeout(ctxt, d.callTimeout)
	defer cancel()
	subject := fmt.Sprintf("%s._list", d.subjectPrefix)
	msg, err := d.client.NATs().RequestWithContext(useContext, subject, nil)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Tool catalog request failed")
		return nil, err
	}
	var tools []apis.ToolDescription
	if err := json.Unmarshal(msg.Data, &tools); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Malformed tool catalog reply")
		return nil, err
	}
	return tools, nil
}

// CallTool run one tool through its handler process
func (d *natsToolDispatcher) CallTool(
	ctxt context.Context, toolName string, arguments json.RawMessage,
) (json.RawMessage, error) {
	useContext, cancel := context.WithTimeout(ctxt, d.callTimeout)
	defer cancel()
	subject := fmt.Sprintf("%s.%s", d.subjectPrefix, toolName)
	msg, err := d.client.NATs().RequestWithContext(useContext, subject, arguments)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Tool %s request failed", toolName)
		return nil, err
	}
	var reply toolCallReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Malformed reply from %s", toolName)
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply.Output, nil
}

// noopToolDispatcher used when no tool backend is configured
type noopToolDispatcher struct{}

// GetNoopToolDispatcher define a tool dispatcher with no backing handlers
func GetNoopToolDispatcher() apis.ToolDispatcher {
	return &noopToolDispatcher{}
}

func (d *noopToolDispatcher) ListTools(ctxt context.Context) ([]apis.ToolDescription, error) {
	return []apis.ToolDescription{}, nil
}

func (d *noopToolDispatcher) CallTool(
	ctxt context.Context, toolName string, arguments json.RawMessage,
) (json.RawMessage, error) {
	return nil, fmt.Errorf("no tool backend configured")
}
