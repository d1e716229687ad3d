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
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/eventbus"
	"github.com/vidmetrics/eventgw/registry"
)

// APIRestHealthHandler REST handler for gateway health and metrics
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	connections registry.ConnectionRegistry
	bus         eventbus.EventBus
	startTime   time.Time
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	connections registry.ConnectionRegistry,
	bus eventbus.EventBus,
	httpConfig *common.HTTPConfig,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "health",
	}
	return APIRestHealthHandler{
		RestAPIHandler: newRestAPIHandler(logTags, httpConfig),
		connections:    connections,
		bus:            bus,
		startTime:      time.Now(),
	}, nil
}

// Write logging support
func (h APIRestHealthHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// APIRestRespHealth health snapshot response
type APIRestRespHealth struct {
	goutils.RestAPIBaseResponse
	// UptimeSec seconds since the gateway started
	UptimeSec float64 `json:"uptime_sec"`
	// Connections is the connection registry snapshot
	Connections registry.RegistryStats `json:"connections"`
	// Bus is the event bus metrics snapshot
	Bus eventbus.BusMetrics `json:"bus"`
}

// Health godoc
// @Summary Gateway health snapshot
// @Description Report connection registry statistics and event bus fan-out metrics
// @tags Health
// @Produce json
// @Param Eventgw-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespHealth "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Eventgw-Request-ID "Request ID to match against logs"
// @Router /health [get]
func (h APIRestHealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.connections.Stats(r.Context())
	if err != nil {
		msg := "Failed to read registry stats"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}
	metrics, err := h.bus.Metrics(r.Context())
	if err != nil {
		msg := "Failed to read bus metrics"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespHealth{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		UptimeSec:           time.Since(h.startTime).Seconds(),
		Connections:         stats,
		Bus:                 metrics,
	}
}

// HealthHandler Wrapper around Health
func (h APIRestHealthHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// Alive godoc
// @Summary Gateway liveness check
// @Description Will return success to indicate the gateway REST API is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}
