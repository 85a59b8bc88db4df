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
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
)

// Subscriber is the dispatch-facing surface of a connection. Deliver must
// never block: a subscriber whose mailbox is full handles the overflow
// itself by dropping the connection.
type Subscriber interface {
	// SubscriberID process-locally unique ID of this connection
	SubscriberID() uint64
	// Deliver enqueue one serialized frame for this connection
	Deliver(frame []byte)
}

// TopicSession is one (topic, session) subscription coordinate
type TopicSession struct {
	// Topic the subscribed topic
	Topic string
	// Session the session scoping the subscription
	Session string
}

// SubscriptionRegistry is the process-wide index of active subscriptions.
// It maintains a forward (topic, session) => connections index and a
// per-connection reverse index; every mutation updates both sides under
// one lock.
type SubscriptionRegistry interface {
	// Subscribe add a subscription; idempotent
	Subscribe(sub Subscriber, topic, session string) error
	// Unsubscribe drop a subscription; idempotent
	Unsubscribe(sub Subscriber, topic, session string) error
	// Remove drop every subscription held by a connection
	Remove(sub Subscriber)
	// Subscribers snapshot the subscriber set of (topic, session). The
	// returned slice is detached; the caller delivers without holding
	// any registry lock.
	Subscribers(topic, session string) []Subscriber
	// Subscriptions list the (topic, session) pairs a connection holds
	Subscriptions(sub Subscriber) []TopicSession
}

// subscriptionKey the forward index key
type subscriptionKey struct {
	topic   string
	session string
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	goutils.Component
	lock    sync.RWMutex
	forward map[subscriptionKey]map[uint64]Subscriber
	reverse map[uint64]map[subscriptionKey]bool
}

// GetSubscriptionRegistry define a new SubscriptionRegistry
func GetSubscriptionRegistry(instance string) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "broker", "component": "subscription-registry", "instance": instance,
	}
	return &subscriptionRegistryImpl{
		Component: goutils.Component{LogTags: logTags},
		forward:   make(map[subscriptionKey]map[uint64]Subscriber),
		reverse:   make(map[uint64]map[subscriptionKey]bool),
	}, nil
}

// Subscribe add a subscription; idempotent
func (r *subscriptionRegistryImpl) Subscribe(sub Subscriber, topic, session string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if err := common.ValidateSessionID(session); err != nil {
		return err
	}
	key := subscriptionKey{topic: topic, session: session}
	id := sub.SubscriberID()

	r.lock.Lock()
	defer r.lock.Unlock()
	conns, ok := r.forward[key]
	if !ok {
		conns = make(map[uint64]Subscriber)
		r.forward[key] = conns
	}
	if _, ok := conns[id]; ok {
		// Re-subscribing is a no-op
		return nil
	}
	conns[id] = sub
	keys, ok := r.reverse[id]
	if !ok {
		keys = make(map[subscriptionKey]bool)
		r.reverse[id] = keys
	}
	keys[key] = true
	log.WithFields(r.LogTags).Debugf(
		"Connection %d subscribed to '%s' in session '%s'", id, topic, session,
	)
	return nil
}

// Unsubscribe drop a subscription; idempotent
func (r *subscriptionRegistryImpl) Unsubscribe(sub Subscriber, topic, session string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if err := common.ValidateSessionID(session); err != nil {
		return err
	}
	key := subscriptionKey{topic: topic, session: session}
	id := sub.SubscriberID()

	r.lock.Lock()
	defer r.lock.Unlock()
	r.dropSubscription(id, key)
	log.WithFields(r.LogTags).Debugf(
		"Connection %d unsubscribed from '%s' in session '%s'", id, topic, session,
	)
	return nil
}

// Remove drop every subscription held by a connection
func (r *subscriptionRegistryImpl) Remove(sub Subscriber) {
	id := sub.SubscriberID()

	r.lock.Lock()
	defer r.lock.Unlock()
	for key := range r.reverse[id] {
		r.dropSubscription(id, key)
	}
	log.WithFields(r.LogTags).Debugf("Cleared all subscriptions of connection %d", id)
}

// dropSubscription delete one subscription from both indices, pruning
// empty entries. Caller must hold the exclusive lock.
func (r *subscriptionRegistryImpl) dropSubscription(id uint64, key subscriptionKey) {
	if conns, ok := r.forward[key]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.forward, key)
		}
	}
	if keys, ok := r.reverse[id]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.reverse, id)
		}
	}
}

// Subscribers snapshot the subscriber set of (topic, session)
func (r *subscriptionRegistryImpl) Subscribers(topic, session string) []Subscriber {
	key := subscriptionKey{topic: topic, session: session}

	r.lock.RLock()
	defer r.lock.RUnlock()
	conns, ok := r.forward[key]
	if !ok {
		return nil
	}
	snapshot := make([]Subscriber, 0, len(conns))
	for _, sub := range conns {
		snapshot = append(snapshot, sub)
	}
	return snapshot
}

// Subscriptions list the (topic, session) pairs a connection holds
func (r *subscriptionRegistryImpl) Subscriptions(sub Subscriber) []TopicSession {
	r.lock.RLock()
	defer r.lock.RUnlock()
	keys := r.reverse[sub.SubscriberID()]
	result := make([]TopicSession, 0, len(keys))
	for key := range keys {
		result = append(result, TopicSession{Topic: key.topic, Session: key.session})
	}
	return result
}
