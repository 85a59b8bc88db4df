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

package apis

import (
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/auth"
	"github.com/alwitt/wspubsub/broker"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIRestBrokerHandler handler for the WebSocket upgrade endpoint and the
// health probes. Admission policy: a token query parameter must verify when
// present; an absent token is accepted only while require_token is off.
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	tokens     auth.TokenManager
	registry   broker.SubscriptionRegistry
	dispatcher broker.MessageDispatcher
	wsConfig   common.WebsocketConfig
	upgrader   websocket.Upgrader
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	tokens auth.TokenManager,
	registry broker.SubscriptionRegistry,
	dispatcher broker.MessageDispatcher,
	httpConfig *common.HTTPConfig,
	wsConfig common.WebsocketConfig,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "broker-websocket",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		tokens:         tokens,
		registry:       registry,
		dispatcher:     dispatcher,
		wsConfig:       wsConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: time.Second * time.Duration(wsConfig.HandshakeTimeout),
			// TLS and origin policy are delegated to the reverse proxy
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}, nil
}

// ServeWebsocket gate one WebSocket upgrade request. On admission, spawn
// exactly one connection actor for the socket and return.
func (h APIRestBrokerHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	identity := ""
	pinnedSession := ""
	if rawToken := r.URL.Query().Get("token"); rawToken != "" {
		claims, err := h.tokens.Verify(rawToken)
		if err != nil {
			msg := "Invalid token"
			log.WithError(err).WithFields(localLogTags).Warn("Rejected upgrade request")
			h.reject(w, r, http.StatusUnauthorized, msg, err.Error())
			return
		}
		identity = claims.Subject
		pinnedSession = claims.SessionID
	} else if h.wsConfig.RequireToken {
		msg := "Token required"
		log.WithFields(localLogTags).Warn("Rejected anonymous upgrade request")
		h.reject(w, r, http.StatusUnauthorized, msg, msg)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already responded to the client
		log.WithError(err).WithFields(localLogTags).Warn("WebSocket upgrade failed")
		return
	}

	actor, err := broker.NewConnectionActor(broker.ConnectionParams{
		WS:              ws,
		Registry:        h.registry,
		Dispatcher:      h.dispatcher,
		MailboxCapacity: h.wsConfig.MailboxCapacity,
		Identity:        identity,
		PinnedSession:   pinnedSession,
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection actor")
		_ = ws.Close()
		return
	}
	actor.Start()
	log.WithFields(localLogTags).Infof(
		"Admitted connection %d (subject '%s', session '%s')",
		actor.SubscriberID(), identity, pinnedSession,
	)
}

// reject write an admission failure before any upgrade took place
func (h APIRestBrokerHandler) reject(
	w http.ResponseWriter, r *http.Request, respCode int, msg, detail string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respBody := h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail)
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ServeWebsocketHandler Wrapper around ServeWebsocket
func (h APIRestBrokerHandler) ServeWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebsocket(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready readiness check
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
