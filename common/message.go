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

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MessageEnvelope is the JSON object exchanged on the wire for published
// messages. The broker treats Payload as opaque UTF-8, does not interpret
// Timestamp, and does not trust PublisherName. SessionID is echoed to
// subscribers, but routing always uses the publishing connection's current
// session.
type MessageEnvelope struct {
	// PublisherName advisory name of the publishing client
	PublisherName string `mapstructure:"publisher_name" json:"publisher_name"`
	// Topic the message category this message is published under
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// Payload the message body
	Payload string `mapstructure:"payload" json:"payload"`
	// Timestamp RFC-3339 publish time as reported by the publisher
	Timestamp string `mapstructure:"timestamp" json:"timestamp"`
	// SessionID the session the publisher claims; informational only
	SessionID string `mapstructure:"session_id" json:"session_id"`
}

// String toString function
func (e MessageEnvelope) String() string {
	return fmt.Sprintf("%s@[%s/%s]", e.PublisherName, e.Topic, e.SessionID)
}

// ValidateTopicName check whether a topic name is acceptable. The command
// grammar reserves '|' and ':' as delimiters, so neither may appear inside
// a topic name.
func ValidateTopicName(topic string) error {
	if len(topic) == 0 {
		return fmt.Errorf("topic name must not be empty")
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("topic name must be valid UTF-8")
	}
	if strings.ContainsAny(topic, "|:") {
		return fmt.Errorf("topic name '%s' must not contain '|' or ':'", topic)
	}
	return nil
}

// ValidateSessionID check whether a session ID is acceptable. Session IDs
// follow the same character rules as topic names.
func ValidateSessionID(session string) error {
	if len(session) == 0 {
		return fmt.Errorf("session ID must not be empty")
	}
	if !utf8.ValidString(session) {
		return fmt.Errorf("session ID must be valid UTF-8")
	}
	if strings.ContainsAny(session, "|:") {
		return fmt.Errorf("session ID '%s' must not contain '|' or ':'", session)
	}
	return nil
}
