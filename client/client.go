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

// Package client is the reference WebSocket pub/sub client. It speaks the
// broker's text command grammar and stays frame-compatible with it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout max duration for completing the open handshake
	handshakeTimeout = 5 * time.Second

	// writeWait max duration for writing one command frame
	writeWait = 10 * time.Second

	// refreshLead how long before token expiration the refresh fires
	refreshLead = 5 * time.Minute
)

// MessageCallback per-topic handler for inbound published messages.
// Callbacks run on the client's read task and must not block; register a
// channel through OnMessageChan for long-running consumers.
type MessageCallback func(envelope common.MessageEnvelope)

// authState credentials and endpoint for token acquisition and refresh
type authState struct {
	authURL   string
	username  string
	password  string
	sessionID string
}

// WSClient a reference pub/sub client over one WebSocket
type WSClient struct {
	goutils.Component
	name    string
	session string
	ws      *websocket.Conn

	// writeLock serializes command frames onto the socket
	writeLock sync.Mutex

	handlerLock sync.Mutex
	handlers    map[string]MessageCallback

	tokenLock sync.Mutex
	token     string

	auth         *authState
	refreshTimer common.IntervalTimer

	closeOnce   sync.Once
	closeCtxt   context.Context
	closeCancel context.CancelFunc
	readerWG    sync.WaitGroup
}

// Connect dial the broker anonymously and register the client name
func Connect(name, brokerURL string) (*WSClient, error) {
	return dial(name, "", brokerURL, nil, "")
}

// ConnectWithSession dial the broker anonymously, register the client
// name, and register an explicit session
func ConnectWithSession(name, session, brokerURL string) (*WSClient, error) {
	return dial(name, session, brokerURL, nil, "")
}

// ConnectWithAuth acquire a token from the token service, then dial the
// broker with it. A non-empty sessionID is minted into the token and pins
// the connection's session on the broker side. The client schedules a
// token refresh ahead of expiration.
func ConnectWithAuth(
	name, brokerURL, authURL, username, password, sessionID string,
) (*WSClient, error) {
	auth := &authState{
		authURL: authURL, username: username, password: password, sessionID: sessionID,
	}
	token, expiresIn, err := requestToken(auth)
	if err != nil {
		return nil, err
	}
	c, err := dial(name, "", brokerURL, auth, token)
	if err != nil {
		return nil, err
	}
	c.scheduleTokenRefresh(expiresIn)
	return c, nil
}

// dial perform the open handshake and start the read task
func dial(
	name, session, brokerURL string, auth *authState, token string,
) (*WSClient, error) {
	logTags := log.Fields{
		"module": "client", "component": "ws-client", "instance": name,
	}

	target := brokerURL
	if token != "" {
		parsed, err := url.Parse(brokerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid broker URL '%s': %w", brokerURL, err)
		}
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
		target = parsed.String()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.Dial(target, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to dial %s", brokerURL)
		return nil, err
	}

	closeCtxt, closeCancel := context.WithCancel(context.Background())
	c := &WSClient{
		Component:   goutils.Component{LogTags: logTags},
		name:        name,
		session:     session,
		ws:          ws,
		handlers:    make(map[string]MessageCallback),
		token:       token,
		auth:        auth,
		closeCtxt:   closeCtxt,
		closeCancel: closeCancel,
	}

	if err := c.sendCommand("register-name:" + name); err != nil {
		_ = ws.Close()
		closeCancel()
		return nil, err
	}
	if session != "" {
		if err := c.sendCommand("register-session:" + session); err != nil {
			_ = ws.Close()
			closeCancel()
			return nil, err
		}
	}

	c.readerWG.Add(1)
	go c.readLoop()
	log.WithFields(logTags).Infof("Connected to %s", brokerURL)
	return c, nil
}

// OnMessage register the callback invoked for messages on a topic. One
// callback per topic; a later registration replaces the earlier one.
func (c *WSClient) OnMessage(topic string, callback MessageCallback) {
	c.handlerLock.Lock()
	defer c.handlerLock.Unlock()
	c.handlers[topic] = callback
}

// OnMessageChan deliver messages on a topic into a caller-owned queue
// instead of a callback, for consumers which need to block. Messages are
// dropped when the queue is full.
func (c *WSClient) OnMessageChan(topic string, queue chan<- common.MessageEnvelope) {
	c.OnMessage(topic, func(envelope common.MessageEnvelope) {
		select {
		case queue <- envelope:
		default:
			log.WithFields(c.LogTags).Warnf(
				"Queue full; dropped message on topic '%s'", topic,
			)
		}
	})
}

// Subscribe subscribe to a topic in the connection's current session
func (c *WSClient) Subscribe(topic string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	return c.sendCommand("subscribe:" + topic)
}

// SubscribeSession subscribe to a topic in an explicit session
func (c *WSClient) SubscribeSession(topic, session string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if err := common.ValidateSessionID(session); err != nil {
		return err
	}
	return c.sendCommand(fmt.Sprintf("subscribe:%s|%s", topic, session))
}

// Unsubscribe unsubscribe from a topic in the connection's current session
func (c *WSClient) Unsubscribe(topic string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	return c.sendCommand("unsubscribe:" + topic)
}

// UnsubscribeSession unsubscribe from a topic in an explicit session
func (c *WSClient) UnsubscribeSession(topic, session string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if err := common.ValidateSessionID(session); err != nil {
		return err
	}
	return c.sendCommand(fmt.Sprintf("unsubscribe:%s|%s", topic, session))
}

// Publish publish a payload on a topic using the preferred envelope form
func (c *WSClient) Publish(topic, payload, timestamp string) error {
	return c.PublishEnvelope(common.MessageEnvelope{
		PublisherName: c.name,
		Topic:         topic,
		Payload:       payload,
		Timestamp:     timestamp,
		SessionID:     c.session,
	})
}

// PublishEnvelope publish a fully caller-built envelope
func (c *WSClient) PublishEnvelope(envelope common.MessageEnvelope) error {
	if err := common.ValidateTopicName(envelope.Topic); err != nil {
		return err
	}
	serialized, err := json.Marshal(&envelope)
	if err != nil {
		return err
	}
	return c.sendCommand("publish-json:" + string(serialized))
}

// Ping send a ping command; the broker answers with a literal pong frame
func (c *WSClient) Ping() error {
	return c.sendCommand("ping")
}

// Token the bearer token currently held by the client, "" when anonymous
func (c *WSClient) Token() string {
	c.tokenLock.Lock()
	defer c.tokenLock.Unlock()
	return c.token
}

// Close shut the connection down and stop the read task
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closeCancel()
		c.tokenLock.Lock()
		if c.refreshTimer != nil {
			_ = c.refreshTimer.Stop()
		}
		c.tokenLock.Unlock()
		err = c.ws.Close()
		c.readerWG.Wait()
		log.WithFields(c.LogTags).Info("Connection closed")
	})
	return err
}

// sendCommand write one text command frame
func (c *WSClient) sendCommand(command string) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send command frame")
		return err
	}
	return nil
}

// readLoop drain inbound frames and dispatch per-topic callbacks. At most
// one callback runs at a time.
func (c *WSClient) readLoop() {
	defer c.readerWG.Done()
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if c.closeCtxt.Err() == nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Read task stopping")
			}
			return
		}
		var envelope common.MessageEnvelope
		if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Topic == "" {
			if bytes.Equal(frame, []byte("pong")) {
				log.WithFields(c.LogTags).Debug("Received pong")
			} else {
				log.WithFields(c.LogTags).Debugf("Received unstructured frame: %s", frame)
			}
			continue
		}
		c.handlerLock.Lock()
		callback := c.handlers[envelope.Topic]
		c.handlerLock.Unlock()
		if callback != nil {
			callback(envelope)
		} else {
			log.WithFields(c.LogTags).Debugf("Unhandled topic '%s'", envelope.Topic)
		}
	}
}

// scheduleTokenRefresh arrange a one-shot token refresh ahead of
// expiration. The refreshed token is held for the next reconnect; the
// live socket stays admitted under its original token.
func (c *WSClient) scheduleTokenRefresh(expiresIn time.Duration) {
	delay := expiresIn - refreshLead
	if delay <= 0 {
		log.WithFields(c.LogTags).Debugf(
			"Token TTL %s shorter than refresh lead; skipping refresh schedule", expiresIn,
		)
		return
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-token-refresh", c.name), c.closeCtxt, &c.readerWG,
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to define refresh timer")
		return
	}
	c.tokenLock.Lock()
	c.refreshTimer = timer
	c.tokenLock.Unlock()
	_ = timer.Start(delay, func() error {
		token, expiresIn, err := requestToken(c.auth)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Token refresh failed")
			return err
		}
		c.tokenLock.Lock()
		c.token = token
		c.tokenLock.Unlock()
		log.WithFields(c.LogTags).Info("Refreshed bearer token")
		c.scheduleTokenRefresh(expiresIn)
		return nil
	}, true)
}

// requestToken POST the token service for a bearer token
func requestToken(auth *authState) (string, time.Duration, error) {
	requestBody, err := json.Marshal(map[string]string{
		"username":   auth.username,
		"password":   auth.password,
		"session_id": auth.sessionID,
	})
	if err != nil {
		return "", 0, err
	}
	resp, err := http.Post(auth.authURL, "application/json", bytes.NewReader(requestBody))
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request rejected with status %d", resp.StatusCode)
	}
	var parsed struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, err
	}
	return parsed.Token, time.Second * time.Duration(parsed.ExpiresIn), nil
}
