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
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vidmetrics/eventgw/common"
)

// EventSink the slice of the event bus the ingress needs
type EventSink interface {
	// Publish send one event for fan-out
	Publish(ctxt context.Context, event common.Event) error
}

// EventIngress bridges a NATS subject into the in-process event bus. External
// collaborators (tool handlers, analytics workers) publish gateway events on the
// subject from other processes; the ingress republishes them locally.
type EventIngress interface {
	// Start begin consuming events off the subject
	Start() error
	// Stop halt consumption
	Stop() error
}

// eventIngressImpl implements EventIngress
type eventIngressImpl struct {
	common.Component
	client       NatsClient
	subject      string
	sink         EventSink
	validate     *validator.Validate
	subscription *nats.Subscription
	rootContext  context.Context
}

// GetEventIngressInstance define a new event ingress off one NATS subject
func GetEventIngressInstance(
	rootCtxt context.Context, client NatsClient, subject string, sink EventSink,
) (EventIngress, error) {
	logTags := log.Fields{
		"module":    "ingress",
		"component": "event-ingress",
		"instance":  subject,
	}
	return &eventIngressImpl{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		subject:     subject,
		sink:        sink,
		validate:    validator.New(),
		rootContext: rootCtxt,
	}, nil
}

// DecodeIngressEvent parse and validate one wire payload into an Event. Missing
// ID and publish timestamp are filled in.
func DecodeIngressEvent(payload []byte, validate *validator.Validate) (common.Event, error) {
	var event common.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return common.Event{}, err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now()
	}
	if err := validate.Struct(&event); err != nil {
		return common.Event{}, err
	}
	return event, nil
}

// Start begin consuming events off the subject
func (i *eventIngressImpl) Start() error {
	subscription, err := i.client.NATs().Subscribe(i.subject, func(msg *nats.Msg) {
		event, err := DecodeIngressEvent(msg.Data, i.validate)
		if err != nil {
			log.WithError(err).WithFields(i.LogTags).Error("Discarding malformed ingress event")
			return
		}
		if err := i.sink.Publish(i.rootContext, event); err != nil {
			log.WithError(err).WithFields(i.LogTags).Errorf(
				"Failed to republish ingress event %s", event.ID,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Failed to subscribe to %s", i.subject,
		)
		return err
	}
	i.subscription = subscription
	log.WithFields(i.LogTags).Infof("Consuming ingress events from %s", i.subject)
	return nil
}

// Stop halt consumption
func (i *eventIngressImpl) Stop() error {
	if i.subscription == nil {
		return nil
	}
	if err := i.subscription.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Failed to unsubscribe")
		return err
	}
	i.subscription = nil
	log.WithFields(i.LogTags).Info("Stopped ingress consumption")
	return nil
}
