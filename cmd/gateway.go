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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/vidmetrics/eventgw/apis"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/eventbus"
	"github.com/vidmetrics/eventgw/gate"
	"github.com/vidmetrics/eventgw/ingress"
	"github.com/vidmetrics/eventgw/registry"
	"github.com/vidmetrics/eventgw/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the notification gateway server
func RunGatewayServer(
	config common.SystemConfig,
	instance string,
	store storage.KeyValueStore,
	natsClient *ingress.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	resetTimezone, err := time.LoadLocation(config.Auth.ResetTimezone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unknown reset timezone %s", config.Auth.ResetTimezone,
		)
		return err
	}

	// -------------------------------------------------------------------
	// Core components. Each state-carrying component gets its own task
	// processor loop; the gate publishes onto the bus from inside its own
	// handlers, so the two must not share one loop.

	// Component loops outlive the request-serving context so the shutdown
	// sequence can still reach them
	componentCtxt, componentCancel := context.WithCancel(context.Background())
	defer componentCancel()

	busTP, err := common.GetNewTaskProcessorInstance("event-bus", 128, componentCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define bus task processor")
		return err
	}
	registryTP, err := common.GetNewTaskProcessorInstance("registry", 128, componentCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}
	gateTP, err := common.GetNewTaskProcessorInstance("access-gate", 128, componentCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gate task processor")
		return err
	}

	bus, err := eventbus.GetEventBusInstance(busTP, eventbus.EventBusParams{
		MaxSubscribers:      config.EventBus.MaxSubscribers,
		SubscriberBufferLen: config.EventBus.SubscriberBufferLen,
		RetryBufferLen:      config.EventBus.RetryBufferLen,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	connections, err := registry.GetConnectionRegistryInstance(
		componentCtxt, registryTP, store, registry.RegistryParams{
			IdleTimeout:           time.Second * time.Duration(config.Registry.IdleTimeout),
			SweepInterval:         time.Second * time.Duration(config.Registry.SweepInterval),
			ActiveWindow:          time.Second * time.Duration(config.Registry.ActiveWindow),
			MaxConnections:        config.Registry.MaxConnections,
			MaxConnectionsPerUser: config.Registry.MaxConnectionsPerUser,
			AuditRecordTTL:        time.Hour * time.Duration(config.Registry.AuditRecordTTL),
		}, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	accessGate, err := gate.GetAccessGateInstance(gateTP, store, bus, gate.GateParams{
		MinKeyLength:            config.Auth.MinKeyLength,
		DailyQuotaLimit:         config.Auth.DailyQuotaLimit,
		WarningThresholdPercent: config.Auth.WarningThresholdPercent,
		ResetTimezone:           resetTimezone,
		ToolCallCost:            config.Auth.ToolCallCost,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define access gate")
		return err
	}

	for _, tp := range []common.TaskProcessor{busTP, registryTP, gateTP} {
		if err := tp.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start task processor")
			return err
		}
	}

	if err := connections.StartIdleSweep(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start idle sweep")
		return err
	}

	// -------------------------------------------------------------------
	// Broker ingress and tool dispatch. Both only exist when NATS is up.

	var tools apis.ToolDispatcher
	var eventIngress ingress.EventIngress
	if natsClient != nil && config.Ingress != nil {
		tools, err = ingress.GetNatsToolDispatcher(
			*natsClient,
			config.Ingress.ToolSubjectPrefix,
			time.Second*time.Duration(config.Ingress.ToolCallTimeout),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define tool dispatcher")
			return err
		}
		eventIngress, err = ingress.GetEventIngressInstance(
			runTimeContext, *natsClient, config.Ingress.Subject, bus,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event ingress")
			return err
		}
		if err := eventIngress.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event ingress")
			return err
		}
	} else {
		tools = ingress.GetNoopToolDispatcher()
	}

	// -------------------------------------------------------------------
	// HTTP surface

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	httpConfig := &config.Gateway.HTTPSetting
	sseHandler, err := apis.GetAPIRestSSEHandler(
		localCtxt, accessGate, connections, bus, httpConfig, config.SSE,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define SSE handler")
		return err
	}
	wsHandler, err := apis.GetAPIRestWebsocketHandler(
		localCtxt, accessGate, connections, bus, tools, httpConfig,
		config.Websocket, config.Auth.ToolCallCost,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket handler")
		return err
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(connections, bus, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Gateway.Endpoints.PathPrefix, nil)

	// Push event stream
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events", map[string]http.HandlerFunc{
		"get": sseHandler.SubscribeHandler(),
	})

	// Duplex event and control channel
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": wsHandler.ConnectHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/health", map[string]http.HandlerFunc{
		"get": healthHandler.HealthHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(healthHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Notify and close every live connection before the listener goes away
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := connections.StopIdleSweep(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping idle sweep")
		}
		if err := connections.CloseAllConnections(
			ctx, common.TerminationServerShutdown,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure closing connections")
		}
	}

	if eventIngress != nil {
		if err := eventIngress.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure stopping event ingress")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Component loops exit with this
	componentCancel()

	return nil
}
