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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wspubsub/apis"
	"github.com/alwitt/wspubsub/auth"
	"github.com/alwitt/wspubsub/broker"
	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/enc"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// DefineBrokerRouter build the complete broker HTTP router: token service,
// WebSocket upgrade endpoint, encryption public key, and health probes.
func DefineBrokerRouter(config *common.BrokerServerConfig, instance string) (*mux.Router, error) {
	tokens, err := auth.GetTokenManager(
		config.Auth.SecretKey,
		time.Second*time.Duration(config.Auth.TokenExpirationSec),
		nil,
		instance,
	)
	if err != nil {
		return nil, err
	}
	if config.Auth.SecretKey == common.DefaultDevJWTSecret {
		log.Warn(
			"Using the default JWT signing secret; this is insecure outside development. " +
				"Set JWT_SECRET_KEY.",
		)
	}

	registry, err := broker.GetSubscriptionRegistry(instance)
	if err != nil {
		return nil, err
	}
	dispatcher, err := broker.GetMessageDispatcher(registry, instance)
	if err != nil {
		return nil, err
	}
	keypair, err := enc.GenerateKeyPair(instance)
	if err != nil {
		return nil, err
	}

	authHandler, err := apis.GetAPIRestAuthHandler(tokens, &config.HTTPSetting)
	if err != nil {
		return nil, err
	}
	brokerHandler, err := apis.GetAPIRestBrokerHandler(
		tokens, registry, dispatcher, &config.HTTPSetting, config.Websocket,
	)
	if err != nil {
		return nil, err
	}
	encHandler, err := apis.GetAPIRestEncryptionHandler(keypair, &config.HTTPSetting)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, "/", nil)

	// Token service
	_ = apis.RegisterPathPrefix(
		mainRouter, "/auth/token", map[string]http.HandlerFunc{
			"post": authHandler.IssueTokenHandler(),
		},
	)

	// WebSocket upgrade
	_ = apis.RegisterPathPrefix(
		mainRouter, config.Websocket.Path, map[string]http.HandlerFunc{
			"get": brokerHandler.ServeWebsocketHandler(),
		},
	)

	// Envelope encryption public key
	_ = apis.RegisterPathPrefix(
		mainRouter, "/enc/public-key", map[string]http.HandlerFunc{
			"get": encHandler.GetPublicKeyHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": brokerHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": brokerHandler.ReadyHandler(),
	})

	return router, nil
}

// RunBrokerServer run the broker server until the runtime context ends
func RunBrokerServer(
	config *common.BrokerServerConfig,
	instance string,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	router, err := DefineBrokerRouter(config, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker router")
		return err
	}

	// Add request logging
	accessLogger := accessLogWriter{logTags: logTags}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogger, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr: serverListen,
		// Read / write timeouts stay unset; the WebSocket endpoint holds
		// connections open indefinitely
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     router,
	}

	// Start the server
	serverFailure := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverFailure <- err
		}
	}()

	log.WithFields(logTags).Infof("Started broker server on http://%s", serverListen)

	// ============================================================================

	select {
	case err := <-serverFailure:
		// Bind failure or similar; fatal to the process
		return err
	case <-runTimeContext.Done():
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// accessLogWriter bridge the gorilla access log output into apex/log
type accessLogWriter struct {
	logTags log.Fields
}

func (w accessLogWriter) Write(p []byte) (int, error) {
	log.WithFields(w.logTags).Infof("%s", p)
	return len(p), nil
}
