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
	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
)

// MessageDispatcher fans a published message out to the subscribers of
// its (topic, session) coordinate.
type MessageDispatcher interface {
	// Publish deliver the envelope to every subscriber of
	// (envelope.Topic, session). Returns the number of mailboxes the
	// frame was handed to. The session argument is the publishing
	// connection's current session; envelope.SessionID is echoed to
	// subscribers but never used for routing.
	Publish(envelope common.MessageEnvelope, session string) (int, error)
}

// messageDispatcherImpl implements MessageDispatcher
type messageDispatcherImpl struct {
	goutils.Component
	registry SubscriptionRegistry
}

// GetMessageDispatcher define a new MessageDispatcher
func GetMessageDispatcher(
	registry SubscriptionRegistry, instance string,
) (MessageDispatcher, error) {
	logTags := log.Fields{
		"module": "broker", "component": "message-dispatcher", "instance": instance,
	}
	return &messageDispatcherImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
	}, nil
}

// Publish deliver the envelope to every subscriber of (topic, session).
//
// The subscriber set is a snapshot taken under the registry's shared lock;
// delivery happens after the lock is released. A connection unsubscribing
// concurrently with a publish may therefore still receive the in-flight
// message. The publisher receives its own message exactly when it is
// itself subscribed to the coordinate, since it is then part of the
// snapshot like any other subscriber.
func (d *messageDispatcherImpl) Publish(
	envelope common.MessageEnvelope, session string,
) (int, error) {
	if err := common.ValidateTopicName(envelope.Topic); err != nil {
		return 0, err
	}
	if err := common.ValidateSessionID(session); err != nil {
		return 0, err
	}

	targets := d.registry.Subscribers(envelope.Topic, session)
	if len(targets) == 0 {
		log.WithFields(d.LogTags).Debugf(
			"No subscribers for '%s' in session '%s'", envelope.Topic, session,
		)
		return 0, nil
	}

	// Serialize once; every mailbox receives the same frame
	frame, err := EncodeEnvelope(envelope)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to serialize envelope %s", envelope,
		)
		return 0, err
	}

	for _, target := range targets {
		target.Deliver(frame)
	}
	log.WithFields(d.LogTags).Debugf(
		"Dispatched %s to %d subscriber(s) in session '%s'", envelope, len(targets), session,
	)
	return len(targets), nil
}
