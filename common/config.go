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

package common

import "github.com/spf13/viper"

// ===============================================================================
// Storage Related Config

// EtcdConfig defines parameters for connecting to the etcd cluster backing the
// durable key-value store
type EtcdConfig struct {
	// Endpoints are the etcd cluster member URIs
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1,dive,uri"`
	// DialTimeout is the max duration for connecting to etcd in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// RequestTimeout is the per KV call timeout in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// StorageConfig defines durable key-value store parameters
type StorageConfig struct {
	// Backend selects the store driver
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=etcd memory"`
	// Etcd are the etcd driver parameters. Required when backend is etcd.
	Etcd *EtcdConfig `mapstructure:"etcd,omitempty" json:"etcd,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// NATS Ingress Related Config

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// MaxReconnectAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=-1"`
	// ReconnectWait is the duration between reconnect attempts in seconds
	ReconnectWait int `mapstructure:"reconnect_wait_sec" json:"reconnect_wait_sec" validate:"gte=1"`
}

// IngressConfig defines the broker ingress through which external collaborators
// (tool handlers, analytics workers) feed events into the gateway
type IngressConfig struct {
	// NATS are the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Subject is the NATS subject carrying inbound gateway events
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// ToolSubjectPrefix is the NATS subject prefix for tool invocation
	// request-reply traffic
	ToolSubjectPrefix string `mapstructure:"tool_subject_prefix" json:"tool_subject_prefix" validate:"required"`
	// ToolCallTimeout is the per tool invocation timeout in seconds
	ToolCallTimeout int `mapstructure:"tool_call_timeout_sec" json:"tool_call_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request in
	// seconds. A zero or negative value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds. Streaming endpoints need this left at zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request when
	// keep-alives are enabled in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the notification gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Access Gate Related Config

// AuthConfig defines API key authentication and quota enforcement parameters
type AuthConfig struct {
	// MinKeyLength is the shortest credential accepted before any store lookup
	MinKeyLength int `mapstructure:"min_key_length" json:"min_key_length" validate:"gte=8"`
	// DailyQuotaLimit is the default per-user daily quota in units
	DailyQuotaLimit int64 `mapstructure:"daily_quota_limit" json:"daily_quota_limit" validate:"gt=0"`
	// WarningThresholdPercent is the quota usage percentage which triggers a
	// quota_warning event
	WarningThresholdPercent int `mapstructure:"warning_threshold_percent" json:"warning_threshold_percent" validate:"gt=0,lte=100"`
	// ResetTimezone is the IANA timezone whose midnight resets the daily quota
	ResetTimezone string `mapstructure:"reset_timezone" json:"reset_timezone" validate:"required"`
	// ToolCallCost is the quota units consumed per tool invocation
	ToolCallCost int64 `mapstructure:"tool_call_cost" json:"tool_call_cost" validate:"gt=0"`
}

// ===============================================================================
// Connection Registry Related Config

// RegistryConfig defines connection registry and idle sweep parameters
type RegistryConfig struct {
	// IdleTimeout is the max seconds since last activity before eviction
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// SweepInterval is the seconds between idle eviction sweeps
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// ActiveWindow is the sliding window in seconds defining an "active" connection
	ActiveWindow int `mapstructure:"active_window_sec" json:"active_window_sec" validate:"gte=1"`
	// MaxConnections is the global live connection cap
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gt=0"`
	// MaxConnectionsPerUser is the per-user live connection cap
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user" json:"max_connections_per_user" validate:"gt=0"`
	// AuditRecordTTL is the lifetime in hours of connection audit records in the
	// durable store. Audit only, never the liveness source of truth.
	AuditRecordTTL int `mapstructure:"audit_record_ttl_hour" json:"audit_record_ttl_hour" validate:"gte=1"`
}

// ===============================================================================
// Event Bus Related Config

// EventBusConfig defines fan-out and buffering parameters
type EventBusConfig struct {
	// MaxSubscribers is the global subscriber ceiling
	MaxSubscribers int `mapstructure:"max_subscribers" json:"max_subscribers" validate:"gt=0"`
	// SubscriberBufferLen is the bounded per-subscriber delivery channel length
	SubscriberBufferLen int `mapstructure:"subscriber_buffer_len" json:"subscriber_buffer_len" validate:"gt=0"`
	// RetryBufferLen is the per-subscriber failed delivery FIFO cap
	RetryBufferLen int `mapstructure:"retry_buffer_len" json:"retry_buffer_len" validate:"gt=0"`
}

// ===============================================================================
// Transport Related Config

// TransportConfig defines per transport adapter parameters
type TransportConfig struct {
	// HeartbeatInterval is the seconds between keep-alive frames
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete notification gateway system config
type SystemConfig struct {
	// Storage are the durable key-value store parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Ingress is the optional broker ingress config
	Ingress *IngressConfig `mapstructure:"ingress,omitempty" json:"ingress,omitempty" validate:"omitempty,dive"`
	// Auth are the access gate parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Registry are the connection registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// EventBus are the fan-out parameters
	EventBus EventBusConfig `mapstructure:"event_bus" json:"event_bus" validate:"required,dive"`
	// Websocket are the duplex transport parameters
	Websocket TransportConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// SSE are the push-only transport parameters
	SSE TransportConfig `mapstructure:"sse" json:"sse" validate:"required,dive"`
	// Gateway are the HTTP server configs
	Gateway GatewayServerConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default storage settings
	viper.SetDefault("storage.backend", "etcd")
	viper.SetDefault("storage.etcd.endpoints", []string{"http://127.0.0.1:2379"})
	viper.SetDefault("storage.etcd.dial_timeout_sec", 10)
	viper.SetDefault("storage.etcd.request_timeout_sec", 5)

	// Default ingress settings
	viper.SetDefault("ingress.subject", "eventgw.events")
	viper.SetDefault("ingress.tool_subject_prefix", "eventgw.tools")
	viper.SetDefault("ingress.tool_call_timeout_sec", 60)
	viper.SetDefault("ingress.nats.connect_timeout_sec", 10)
	viper.SetDefault("ingress.nats.max_reconnect_attempts", -1)
	viper.SetDefault("ingress.nats.reconnect_wait_sec", 15)

	// Default access gate settings
	viper.SetDefault("auth.min_key_length", 16)
	viper.SetDefault("auth.daily_quota_limit", 10000)
	viper.SetDefault("auth.warning_threshold_percent", 80)
	viper.SetDefault("auth.reset_timezone", "UTC")
	viper.SetDefault("auth.tool_call_cost", 100)

	// Default registry settings
	viper.SetDefault("registry.idle_timeout_sec", 600)
	viper.SetDefault("registry.sweep_interval_sec", 60)
	viper.SetDefault("registry.active_window_sec", 300)
	viper.SetDefault("registry.max_connections", 1024)
	viper.SetDefault("registry.max_connections_per_user", 5)
	viper.SetDefault("registry.audit_record_ttl_hour", 24)

	// Default event bus settings
	viper.SetDefault("event_bus.max_subscribers", 2048)
	viper.SetDefault("event_bus.subscriber_buffer_len", 64)
	viper.SetDefault("event_bus.retry_buffer_len", 128)

	// Default transport settings
	viper.SetDefault("websocket.heartbeat_interval_sec", 30)
	viper.SetDefault("sse.heartbeat_interval_sec", 30)

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Eventgw-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
