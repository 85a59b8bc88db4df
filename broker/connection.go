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

package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const (
	// DefaultMailboxCapacity default bound of the per-connection
	// outbound frame buffer
	DefaultMailboxCapacity = 256

	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxFrameSize = 64 * 1024
)

// ConnectionState lifecycle state of a connection actor
type ConnectionState int32

// Connection actor lifecycle states
const (
	// ConnectionNew immediately after upgrade, before the actor tasks run
	ConnectionNew ConnectionState = iota
	// ConnectionOpen normal operating state
	ConnectionOpen
	// ConnectionClosing the socket is no longer usable; deregistration
	// in progress
	ConnectionClosing
	// ConnectionGone terminal; no registry entry references the
	// connection anymore
	ConnectionGone
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "NEW"
	case ConnectionOpen:
		return "OPEN"
	case ConnectionClosing:
		return "CLOSING"
	case ConnectionGone:
		return "GONE"
	}
	return "UNKNOWN"
}

// ConnectionParams parameters for defining a connection actor
type ConnectionParams struct {
	// WS the upgraded WebSocket
	WS *websocket.Conn
	// Registry the process-wide subscription registry
	Registry SubscriptionRegistry
	// Dispatcher the fan-out engine
	Dispatcher MessageDispatcher
	// MailboxCapacity outbound frame buffer bound; <= 0 selects
	// DefaultMailboxCapacity
	MailboxCapacity int
	// Identity authenticated subject from the upgrade token, "" when
	// the connection is anonymous
	Identity string
	// PinnedSession session from the upgrade token's sid claim. When
	// set it is authoritative and register-session frames are ignored.
	PinnedSession string
}

// ConnectionActor drives one live socket: a reader task parses inbound
// frames and runs the state machine, a writer task drains the outbound
// mailbox. All mutable per-connection state is owned by the actor.
type ConnectionActor interface {
	Subscriber
	// Start launch the reader and writer tasks
	Start()
	// Close initiate teardown; safe to call from any task, repeatedly
	Close()
	// State current lifecycle state
	State() ConnectionState
	// CurrentSession the authoritative session of this connection at
	// this moment
	CurrentSession() string
	// Done closed once the connection reached GONE and its registry
	// entries are removed
	Done() <-chan struct{}
}

// nextConnectionID source of monotonically assigned local connection IDs
var nextConnectionID uint64

// connectionActorImpl implements ConnectionActor
type connectionActorImpl struct {
	goutils.Component
	id         uint64
	ws         *websocket.Conn
	registry   SubscriptionRegistry
	dispatcher MessageDispatcher
	mailbox    chan []byte
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	state      atomic.Int32

	// identityLock guards the session / name fields below, which the
	// reader task writes and observers may read concurrently
	identityLock    sync.Mutex
	identity        string
	pinnedSession   string
	declaredSession string
	declaredName    string
}

// NewConnectionActor define a new connection actor for an upgraded socket.
// The actor starts in NEW; call Start to begin operation.
func NewConnectionActor(params ConnectionParams) (ConnectionActor, error) {
	if params.Registry == nil || params.Dispatcher == nil {
		return nil, fmt.Errorf("connection actor requires a registry and a dispatcher")
	}
	capacity := params.MailboxCapacity
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	id := atomic.AddUint64(&nextConnectionID, 1)
	logTags := log.Fields{
		"module": "broker", "component": "connection", "instance": fmt.Sprintf("conn-%d", id),
	}
	actor := &connectionActorImpl{
		Component:     goutils.Component{LogTags: logTags},
		id:            id,
		ws:            params.WS,
		registry:      params.Registry,
		dispatcher:    params.Dispatcher,
		mailbox:       make(chan []byte, capacity),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		identity:      params.Identity,
		pinnedSession: params.PinnedSession,
	}
	actor.state.Store(int32(ConnectionNew))
	return actor, nil
}

// SubscriberID process-locally unique ID of this connection
func (c *connectionActorImpl) SubscriberID() uint64 {
	return c.id
}

// State current lifecycle state
func (c *connectionActorImpl) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done closed once the connection reached GONE
func (c *connectionActorImpl) Done() <-chan struct{} {
	return c.done
}

// Start launch the reader and writer tasks
func (c *connectionActorImpl) Start() {
	c.state.Store(int32(ConnectionOpen))
	go c.writeLoop()
	go c.readLoop()
	log.WithFields(c.LogTags).Info("Connection actor started")
}

// CurrentSession resolve the authoritative session of this connection.
// Precedence: token sid, then register-session, then "session-" + the
// declared name, then the anonymous fallback.
func (c *connectionActorImpl) CurrentSession() string {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()
	return c.currentSessionLocked()
}

func (c *connectionActorImpl) currentSessionLocked() string {
	if c.pinnedSession != "" {
		return c.pinnedSession
	}
	if c.declaredSession != "" {
		return c.declaredSession
	}
	if c.declaredName != "" {
		return "session-" + c.declaredName
	}
	return fmt.Sprintf("session-anonymous-%d", c.id)
}

// publisherName the name stamped on envelopes built by the broker for the
// legacy publish form. Advisory only.
func (c *connectionActorImpl) publisherName() string {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()
	if c.declaredName != "" {
		return c.declaredName
	}
	if c.identity != "" {
		return c.identity
	}
	return fmt.Sprintf("conn-%d", c.id)
}

// Deliver enqueue one serialized frame. A full mailbox marks this
// connection as a slow consumer, which is dropped rather than paced.
func (c *connectionActorImpl) Deliver(frame []byte) {
	if c.State() != ConnectionOpen {
		return
	}
	select {
	case c.mailbox <- frame:
	default:
		log.WithFields(c.LogTags).Warn("Mailbox full; dropping slow consumer")
		c.Close()
	}
}

// Close initiate teardown. The first caller wins; the connection moves
// through CLOSING to GONE with its registry entries removed exactly once.
func (c *connectionActorImpl) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnectionClosing))
		close(c.quit)
		c.registry.Remove(c)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.state.Store(int32(ConnectionGone))
		close(c.done)
		log.WithFields(c.LogTags).Info("Connection closed and deregistered")
	})
}

// readLoop drain the socket, parse frames, run the state machine. Exits
// on read error, peer close, or teardown; a panic inside command handling
// is treated as a transport failure of this connection only.
func (c *connectionActorImpl) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(c.LogTags).Errorf("Read task panic: %v", r)
		}
		c.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				log.WithError(err).WithFields(c.LogTags).Debug("Read task stopping")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(c.LogTags).Debug("Ignoring non-text frame")
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame process one inbound text frame. Malformed frames are logged
// and dropped; the connection stays OPEN.
func (c *connectionActorImpl) handleFrame(frame []byte) {
	cmd, err := ParseCommand(frame)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Dropping malformed command frame")
		return
	}
	switch cmd.Type {
	case CommandPing:
		// Answered with a literal text frame, not a JSON envelope
		c.Deliver(pongFrame)

	case CommandRegisterName:
		c.identityLock.Lock()
		c.declaredName = cmd.Name
		c.identityLock.Unlock()
		log.WithFields(c.LogTags).Infof("Registered client name '%s'", cmd.Name)

	case CommandRegisterSession:
		c.registerSession(cmd.Session)

	case CommandSubscribe:
		session := cmd.Session
		if session == "" {
			session = c.CurrentSession()
		}
		if err := c.registry.Subscribe(c, cmd.Topic, session); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf(
				"Unable to subscribe to '%s' in session '%s'", cmd.Topic, session,
			)
			return
		}
		log.WithFields(c.LogTags).Infof(
			"Subscribed to '%s' in session '%s'", cmd.Topic, session,
		)

	case CommandUnsubscribe:
		session := cmd.Session
		if session == "" {
			session = c.CurrentSession()
		}
		if err := c.registry.Unsubscribe(c, cmd.Topic, session); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf(
				"Unable to unsubscribe from '%s' in session '%s'", cmd.Topic, session,
			)
			return
		}
		log.WithFields(c.LogTags).Infof(
			"Unsubscribed from '%s' in session '%s'", cmd.Topic, session,
		)

	case CommandPublish:
		envelope := common.MessageEnvelope{
			PublisherName: c.publisherName(),
			Topic:         cmd.Topic,
			Payload:       cmd.Payload,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			SessionID:     c.CurrentSession(),
		}
		c.publish(envelope)

	case CommandPublishJSON:
		envelope := cmd.Envelope
		if envelope.PublisherName == "" {
			envelope.PublisherName = c.publisherName()
		}
		if envelope.SessionID == "" {
			envelope.SessionID = c.CurrentSession()
		}
		c.publish(envelope)
	}
}

// registerSession apply a register-session frame. A session pinned by the
// upgrade token cannot be overridden. Subscriptions made before the
// change stay keyed under the previous session.
func (c *connectionActorImpl) registerSession(session string) {
	c.identityLock.Lock()
	if c.pinnedSession != "" {
		c.identityLock.Unlock()
		log.WithFields(c.LogTags).Warnf(
			"Ignoring register-session '%s'; session pinned by token", session,
		)
		return
	}
	previous := c.currentSessionLocked()
	c.declaredSession = session
	c.identityLock.Unlock()

	if existing := c.registry.Subscriptions(c); len(existing) > 0 {
		log.WithFields(c.LogTags).Warnf(
			"Session changed '%s' => '%s'; %d existing subscription(s) remain under the previous session",
			previous, session, len(existing),
		)
	} else {
		log.WithFields(c.LogTags).Infof("Session changed '%s' => '%s'", previous, session)
	}
}

// publish route one envelope under this connection's current session
func (c *connectionActorImpl) publish(envelope common.MessageEnvelope) {
	delivered, err := c.dispatcher.Publish(envelope, c.CurrentSession())
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf("Unable to publish %s", envelope)
		return
	}
	log.WithFields(c.LogTags).Debugf(
		"Published %s to %d subscriber(s)", envelope, delivered,
	)
}

// writeLoop drain the outbound mailbox onto the socket, and keep the peer
// alive with protocol pings. Frames still queued at teardown are dropped.
func (c *connectionActorImpl) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(c.LogTags).Errorf("Write task panic: %v", r)
		}
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.mailbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Write task stopping")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}
