// Copyright 2025 The wspubsub Authors
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

// DefaultDevJWTSecret is the token signing secret used when none is
// configured. It is publicly known; deployments must override it through
// the JWT_SECRET_KEY environment variable or the config file.
const DefaultDevJWTSecret = "wspubsub-insecure-dev-signing-key"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request in seconds. The broker server does not apply it: its
	// http.Server read timeout stays unset so WebSocket connections can
	// stay open indefinitely.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of
	// the response in seconds. The broker server does not apply it: its
	// http.Server write timeout stays unset for the same reason.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
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

// ===============================================================================
// WebSocket Related Config

// WebsocketConfig defines parameters of the WebSocket endpoint and the
// per-connection actors spawned behind it
type WebsocketConfig struct {
	// Path is the HTTP path accepting WebSocket upgrade requests
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// MailboxCapacity is the per-connection outbound frame buffer size.
	// A connection whose mailbox is full at the moment of an enqueue is
	// treated as a slow consumer and disconnected.
	MailboxCapacity int `mapstructure:"mailbox_capacity" json:"mailbox_capacity" validate:"gte=1"`
	// RequireToken rejects anonymous upgrade requests when true
	RequireToken bool `mapstructure:"require_token" json:"require_token"`
	// HandshakeTimeout is the max duration for completing the HTTP
	// upgrade in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Token Service Related Config

// AuthConfig defines token service parameters
type AuthConfig struct {
	// SecretKey is the HMAC-SHA-256 token signing/verification key
	SecretKey string `mapstructure:"secret_key" json:"-" validate:"required"`
	// TokenExpirationSec is the TTL of issued tokens in seconds
	TokenExpirationSec int `mapstructure:"token_expiration_sec" json:"token_expiration_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// BrokerServerConfig defines configuration for the broker server
type BrokerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broker server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Websocket are the WebSocket endpoint parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Auth are the token service parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the broker server configs
	Broker *BrokerServerConfig `mapstructure:"broker,omitempty" json:"broker,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper,
// and binds the deployment environment variables onto their config keys.
func InstallDefaultConfigValues() {
	// Default broker server settings
	viper.SetDefault("broker.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("broker.api_server.server_config.listen_port", 8081)
	viper.SetDefault("broker.api_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("broker.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("broker.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"broker.api_server.logging_config.request_id_header", "Wspubsub-Request-ID",
	)
	viper.SetDefault(
		"broker.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default WebSocket settings
	viper.SetDefault("broker.websocket.path", "/ws")
	viper.SetDefault("broker.websocket.mailbox_capacity", 256)
	viper.SetDefault("broker.websocket.require_token", false)
	viper.SetDefault("broker.websocket.handshake_timeout_sec", 5)

	// Default token service settings
	viper.SetDefault("broker.auth.secret_key", DefaultDevJWTSecret)
	viper.SetDefault("broker.auth.token_expiration_sec", 3600)

	// Deployment environment variables
	_ = viper.BindEnv("broker.api_server.server_config.listen_port", "WS_PORT")
	_ = viper.BindEnv("broker.websocket.require_token", "WS_REQUIRE_TOKEN")
	_ = viper.BindEnv("broker.websocket.mailbox_capacity", "WS_MAILBOX_CAPACITY")
	_ = viper.BindEnv("broker.auth.secret_key", "JWT_SECRET_KEY")
	_ = viper.BindEnv("broker.auth.token_expiration_sec", "JWT_EXPIRATION_SECONDS")
}
