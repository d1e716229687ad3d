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

package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/common"
	"github.com/vidmetrics/eventgw/storage"
)

// TransportKind which wire protocol carries a connection
type TransportKind string

// Supported transport kinds
const (
	// TransportDuplex bidirectional transport (WebSocket)
	TransportDuplex TransportKind = "duplex"
	// TransportPush outbound-only streaming transport (SSE)
	TransportPush TransportKind = "push"
)

// Connection one live client attachment. Exactly one Connection exists per live
// socket or stream; a Connection is never shared across transports.
type Connection struct {
	// ID uniquely identifies this connection
	ID string `json:"id" validate:"required"`
	// UserID is the authenticated owner
	UserID string `json:"user_id" validate:"required"`
	// Transport is the wire protocol kind
	Transport TransportKind `json:"transport" validate:"required,oneof=duplex push"`
	// SubscriberID is the event bus subscriber bound to this connection
	SubscriberID string `json:"subscriber_id"`
	// CreatedAt is when the connection authenticated
	CreatedAt time.Time `json:"created_at"`
	// LastActiveAt is the activity watermark driving idle eviction
	LastActiveAt time.Time `json:"last_active_at"`
	// Terminate closes the underlying wire. Called by the registry on eviction
	// and shutdown; must not block.
	Terminate func(common.TerminationReason) `json:"-"`
}

// connectionAuditRecord durable trail of a connection, kept past its death with a
// TTL. Never consulted for liveness.
type connectionAuditRecord struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Transport  TransportKind `json:"transport"`
	CreatedAt  time.Time     `json:"created_at"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
	CloseCause string        `json:"close_cause,omitempty"`
}

// RegistryStats snapshot of registry health counters
type RegistryStats struct {
	// TotalConnections is the current live connection count
	TotalConnections int `json:"total_connections"`
	// ActiveConnections are connections with activity inside the sliding window
	ActiveConnections int `json:"active_connections"`
	// AverageAgeSec is the mean age of live connections
	AverageAgeSec float64 `json:"average_age_sec"`
	// ErrorRate is write failures over all connections ever registered
	ErrorRate float64 `json:"error_rate"`
	// EvictedTotal is the number of idle evictions performed
	EvictedTotal int64 `json:"evicted_total"`
}

// ConnectionRegistry tracks every live connection regardless of transport. All
// mutations run on one task processor loop, so the capacity check and the insert
// of Register are a single atomic step.
type ConnectionRegistry interface {
	// Register admit a new connection, enforcing global and per-user caps
	Register(ctxt context.Context, conn Connection) error
	// Unregister drop a connection. Unknown IDs are a no-op.
	Unregister(ctxt context.Context, connectionID string) error
	// Touch refresh a connection's activity watermark
	Touch(ctxt context.Context, connectionID string) error
	// RecordWriteFailure count a delivery write failure against the error rate
	RecordWriteFailure(ctxt context.Context, connectionID string) error
	// CountForUser read the live connection count of one user
	CountForUser(ctxt context.Context, userID string) (int, error)
	// ListByFilter snapshot the connections satisfying a predicate
	ListByFilter(ctxt context.Context, predicate func(Connection) bool) ([]Connection, error)
	// Stats snapshot the registry health counters
	Stats(ctxt context.Context) (RegistryStats, error)
	// StartIdleSweep begin periodic idle eviction
	StartIdleSweep() error
	// StopIdleSweep halt the eviction timer
	StopIdleSweep() error
	// CloseAllConnections terminate every live connection with one reason
	CloseAllConnections(ctxt context.Context, reason common.TerminationReason) error
}

// RegistryParams connection registry tuning
type RegistryParams struct {
	// IdleTimeout max duration since last activity before eviction
	IdleTimeout time.Duration
	// SweepInterval duration between eviction sweeps
	SweepInterval time.Duration
	// ActiveWindow sliding window defining an "active" connection
	ActiveWindow time.Duration
	// MaxConnections global live connection cap
	MaxConnections int
	// MaxConnectionsPerUser per-user live connection cap
	MaxConnectionsPerUser int
	// AuditRecordTTL lifetime of audit records in the durable store
	AuditRecordTTL time.Duration
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	tp          common.TaskProcessor
	store       storage.KeyValueStore
	params      RegistryParams
	connections map[string]*Connection
	perUser     map[string]map[string]bool
	sweepTimer  common.IntervalTimer
	rootContext context.Context
	// Lifetime counters for stats
	totalRegistered   int64
	totalWriteFailure int64
	totalEvicted      int64
}

// GetConnectionRegistryInstance create new connection registry operating on the
// given task processor
func GetConnectionRegistryInstance(
	rootCtxt context.Context,
	tp common.TaskProcessor,
	store storage.KeyValueStore,
	params RegistryParams,
	wg *sync.WaitGroup,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	sweepTimer, err := common.GetIntervalTimerInstance("registry-idle-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance := connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		store:       store,
		params:      params,
		connections: make(map[string]*Connection),
		perUser:     make(map[string]map[string]bool),
		sweepTimer:  sweepTimer,
		rootContext: rootCtxt,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRegisterReq{}), instance.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryUnregisterReq{}), instance.processUnregisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryTouchReq{}), instance.processTouchRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryWriteFailureReq{}), instance.processWriteFailureRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryCountForUserReq{}), instance.processCountForUserRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryListReq{}), instance.processListRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryStatsReq{}), instance.processStatsRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryEvictIdleReq{}), instance.processEvictIdleRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryCloseAllReq{}), instance.processCloseAllRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// writeAuditRecord mirror a connection into the durable store. Best effort only.
func (r *connectionRegistryImpl) writeAuditRecord(conn *Connection, closeCause string) {
	record := connectionAuditRecord{
		ID:        conn.ID,
		UserID:    conn.UserID,
		Transport: conn.Transport,
		CreatedAt: conn.CreatedAt,
	}
	if closeCause != "" {
		now := time.Now()
		record.ClosedAt = &now
		record.CloseCause = closeCause
	}
	useContext, cancel := context.WithTimeout(r.rootContext, time.Second*5)
	defer cancel()
	key := fmt.Sprintf("connection:%s", conn.ID)
	if err := r.store.Set(useContext, key, record, r.params.AuditRecordTTL); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to write audit record %s", key,
		)
	}
}

// ----------------------------------------------------------------------------------------

type registryRegisterReq struct {
	conn     Connection
	resultCB func(error)
}

// Register admit a new connection, enforcing global and per-user caps
func (r *connectionRegistryImpl) Register(ctxt context.Context, conn Connection) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRegisterReq{conn: conn, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit register request for %s", conn.ID,
		)
		return err
	}

	<-complete
	return processError
}

func (r *connectionRegistryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(registryRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register", reflect.TypeOf(param),
		)
	}
	err := r.ProcessRegisterRequest(request.conn)
	request.resultCB(err)
	return err
}

// ProcessRegisterRequest admit a new connection. The cap checks and the insert
// happen in one handler invocation.
func (r *connectionRegistryImpl) ProcessRegisterRequest(conn Connection) error {
	if _, ok := r.connections[conn.ID]; ok {
		// Idempotent
		return nil
	}
	if len(r.connections) >= r.params.MaxConnections {
		log.WithFields(r.LogTags).Errorf(
			"Rejecting connection %s: global cap %d reached", conn.ID, r.params.MaxConnections,
		)
		return common.ErrConnectionCapacity
	}
	if len(r.perUser[conn.UserID]) >= r.params.MaxConnectionsPerUser {
		log.WithFields(r.LogTags).Errorf(
			"Rejecting connection %s: user %s cap %d reached",
			conn.ID, conn.UserID, r.params.MaxConnectionsPerUser,
		)
		return common.ErrConnectionCapacity
	}

	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.LastActiveAt.IsZero() {
		conn.LastActiveAt = now
	}
	stored := conn
	r.connections[conn.ID] = &stored
	userConns, ok := r.perUser[conn.UserID]
	if !ok {
		userConns = make(map[string]bool)
		r.perUser[conn.UserID] = userConns
	}
	userConns[conn.ID] = true
	r.totalRegistered++

	r.writeAuditRecord(&stored, "")
	log.WithFields(r.LogTags).Infof(
		"Registered %s connection %s for user %s", conn.Transport, conn.ID, conn.UserID,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryUnregisterReq struct {
	connectionID string
	resultCB     func(error)
}

// Unregister drop a connection. Unknown IDs are a no-op.
func (r *connectionRegistryImpl) Unregister(ctxt context.Context, connectionID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryUnregisterReq{connectionID: connectionID, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit unregister request for %s", connectionID,
		)
		return err
	}

	<-complete
	return processError
}

func (r *connectionRegistryImpl) processUnregisterRequest(param interface{}) error {
	request, ok := param.(registryUnregisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unregister", reflect.TypeOf(param),
		)
	}
	err := r.ProcessUnregisterRequest(request.connectionID)
	request.resultCB(err)
	return err
}

// ProcessUnregisterRequest drop a connection from the registry
func (r *connectionRegistryImpl) ProcessUnregisterRequest(connectionID string) error {
	conn, ok := r.connections[connectionID]
	if !ok {
		// Already gone, nothing to do
		return nil
	}
	delete(r.connections, connectionID)
	if userConns, ok := r.perUser[conn.UserID]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.perUser, conn.UserID)
		}
	}
	log.WithFields(r.LogTags).Infof(
		"Unregistered connection %s of user %s", connectionID, conn.UserID,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryTouchReq struct {
	connectionID string
	timestamp    time.Time
	resultCB     func(error)
}

// Touch refresh a connection's activity watermark
func (r *connectionRegistryImpl) Touch(ctxt context.Context, connectionID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryTouchReq{
		connectionID: connectionID, timestamp: time.Now(), resultCB: handler,
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit touch request for %s", connectionID,
		)
		return err
	}

	<-complete
	return processError
}

func (r *connectionRegistryImpl) processTouchRequest(param interface{}) error {
	request, ok := param.(registryTouchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for touch", reflect.TypeOf(param),
		)
	}
	err := r.ProcessTouchRequest(request.connectionID, request.timestamp)
	request.resultCB(err)
	return err
}

// ProcessTouchRequest refresh a connection's activity watermark
func (r *connectionRegistryImpl) ProcessTouchRequest(
	connectionID string, timestamp time.Time,
) error {
	conn, ok := r.connections[connectionID]
	if !ok {
		// Connection may have been evicted between activity and this call
		return nil
	}
	if timestamp.After(conn.LastActiveAt) {
		conn.LastActiveAt = timestamp
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type registryWriteFailureReq struct {
	connectionID string
	resultCB     func(error)
}

// RecordWriteFailure count a delivery write failure against the error rate
func (r *connectionRegistryImpl) RecordWriteFailure(
	ctxt context.Context, connectionID string,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryWriteFailureReq{connectionID: connectionID, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit write-failure request for %s", connectionID,
		)
		return err
	}

	<-complete
	return processError
}

func (r *connectionRegistryImpl) processWriteFailureRequest(param interface{}) error {
	request, ok := param.(registryWriteFailureReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for write-failure", reflect.TypeOf(param),
		)
	}
	r.totalWriteFailure++
	if conn, ok := r.connections[request.connectionID]; ok {
		r.writeAuditRecord(conn, string(common.TerminationWriteFailure))
	}
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryCountForUserReq struct {
	userID   string
	resultCB func(int, error)
}

// CountForUser read the live connection count of one user. Served from the
// per-user index, not a scan of all connections.
func (r *connectionRegistryImpl) CountForUser(
	ctxt context.Context, userID string,
) (int, error) {
	complete := make(chan bool, 1)
	var count int
	var processError error
	handler := func(c int, err error) {
		count = c
		processError = err
		complete <- true
	}

	request := registryCountForUserReq{userID: userID, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit count request for user %s", userID,
		)
		return 0, err
	}

	<-complete
	return count, processError
}

func (r *connectionRegistryImpl) processCountForUserRequest(param interface{}) error {
	request, ok := param.(registryCountForUserReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for count", reflect.TypeOf(param),
		)
	}
	request.resultCB(len(r.perUser[request.userID]), nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryListReq struct {
	predicate func(Connection) bool
	resultCB  func([]Connection, error)
}

// ListByFilter snapshot the connections satisfying a predicate
func (r *connectionRegistryImpl) ListByFilter(
	ctxt context.Context, predicate func(Connection) bool,
) ([]Connection, error) {
	complete := make(chan bool, 1)
	var matched []Connection
	var processError error
	handler := func(conns []Connection, err error) {
		matched = conns
		processError = err
		complete <- true
	}

	request := registryListReq{predicate: predicate, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit list request")
		return nil, err
	}

	<-complete
	return matched, processError
}

func (r *connectionRegistryImpl) processListRequest(param interface{}) error {
	request, ok := param.(registryListReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for list", reflect.TypeOf(param),
		)
	}
	matched := make([]Connection, 0)
	for _, conn := range r.connections {
		if request.predicate == nil || request.predicate(*conn) {
			matched = append(matched, *conn)
		}
	}
	request.resultCB(matched, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryStatsReq struct {
	resultCB func(RegistryStats, error)
}

// Stats snapshot the registry health counters
func (r *connectionRegistryImpl) Stats(ctxt context.Context) (RegistryStats, error) {
	complete := make(chan bool, 1)
	var report RegistryStats
	var processError error
	handler := func(s RegistryStats, err error) {
		report = s
		processError = err
		complete <- true
	}

	request := registryStatsReq{resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit stats request")
		return RegistryStats{}, err
	}

	<-complete
	return report, processError
}

func (r *connectionRegistryImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(registryStatsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for stats", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessStatsRequest(time.Now()), nil)
	return nil
}

// ProcessStatsRequest compute the registry health counters. "Active" is derived
// from the sliding window, never stored.
func (r *connectionRegistryImpl) ProcessStatsRequest(now time.Time) RegistryStats {
	report := RegistryStats{
		TotalConnections: len(r.connections),
		EvictedTotal:     r.totalEvicted,
	}
	var ageSum float64
	for _, conn := range r.connections {
		if now.Sub(conn.LastActiveAt) <= r.params.ActiveWindow {
			report.ActiveConnections++
		}
		ageSum += now.Sub(conn.CreatedAt).Seconds()
	}
	if len(r.connections) > 0 {
		report.AverageAgeSec = ageSum / float64(len(r.connections))
	}
	if r.totalRegistered > 0 {
		report.ErrorRate = float64(r.totalWriteFailure) / float64(r.totalRegistered)
	}
	return report
}

// ----------------------------------------------------------------------------------------

type registryEvictIdleReq struct {
	timestamp time.Time
}

// StartIdleSweep begin periodic idle eviction
func (r *connectionRegistryImpl) StartIdleSweep() error {
	return r.sweepTimer.Start(r.params.SweepInterval, func() error {
		return r.tp.Submit(r.rootContext, registryEvictIdleReq{timestamp: time.Now()})
	}, false)
}

// StopIdleSweep halt the eviction timer
func (r *connectionRegistryImpl) StopIdleSweep() error {
	return r.sweepTimer.Stop()
}

func (r *connectionRegistryImpl) processEvictIdleRequest(param interface{}) error {
	request, ok := param.(registryEvictIdleReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for evict-idle", reflect.TypeOf(param),
		)
	}
	return r.ProcessEvictIdleRequest(request.timestamp)
}

// ProcessEvictIdleRequest close and unregister connections idle past the timeout.
// Idleness is re-checked here against the freshest watermark, so a connection
// touched after the sweep fired is left alone. Close happens before unregister so
// observers never see a registered-but-closed entry.
func (r *connectionRegistryImpl) ProcessEvictIdleRequest(timestamp time.Time) error {
	expired := []*Connection{}
	for _, conn := range r.connections {
		if timestamp.Sub(conn.LastActiveAt) > r.params.IdleTimeout {
			expired = append(expired, conn)
		}
	}
	for _, conn := range expired {
		log.WithFields(r.LogTags).Infof(
			"Evicting idle connection %s of user %s, last active %s",
			conn.ID, conn.UserID, conn.LastActiveAt.Format(time.RFC3339),
		)
		if conn.Terminate != nil {
			conn.Terminate(common.TerminationIdleTimeout)
		}
		r.writeAuditRecord(conn, string(common.TerminationIdleTimeout))
		_ = r.ProcessUnregisterRequest(conn.ID)
		r.totalEvicted++
	}
	if len(expired) > 0 {
		log.WithFields(r.LogTags).Infof("Evicted %d idle connections", len(expired))
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type registryCloseAllReq struct {
	reason   common.TerminationReason
	resultCB func(error)
}

// CloseAllConnections terminate every live connection with one reason
func (r *connectionRegistryImpl) CloseAllConnections(
	ctxt context.Context, reason common.TerminationReason,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryCloseAllReq{reason: reason, resultCB: handler}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit close-all request")
		return err
	}

	<-complete
	return processError
}

func (r *connectionRegistryImpl) processCloseAllRequest(param interface{}) error {
	request, ok := param.(registryCloseAllReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for close-all", reflect.TypeOf(param),
		)
	}
	err := r.ProcessCloseAllRequest(request.reason)
	request.resultCB(err)
	return err
}

// ProcessCloseAllRequest terminate every live connection
func (r *connectionRegistryImpl) ProcessCloseAllRequest(reason common.TerminationReason) error {
	log.WithFields(r.LogTags).Infof(
		"Closing all %d connections: %s", len(r.connections), reason,
	)
	for _, conn := range r.connections {
		if conn.Terminate != nil {
			conn.Terminate(reason)
		}
		r.writeAuditRecord(conn, string(reason))
	}
	r.connections = make(map[string]*Connection)
	r.perUser = make(map[string]map[string]bool)
	return nil
}
