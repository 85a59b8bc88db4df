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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/wspubsub/common"
)

// CommandType enumerates the verbs of the inbound text command grammar
type CommandType int

// Supported inbound commands
const (
	CommandRegisterName CommandType = iota
	CommandRegisterSession
	CommandSubscribe
	CommandUnsubscribe
	CommandPublish
	CommandPublishJSON
	CommandPing
)

// String toString function
func (t CommandType) String() string {
	switch t {
	case CommandRegisterName:
		return "register-name"
	case CommandRegisterSession:
		return "register-session"
	case CommandSubscribe:
		return "subscribe"
	case CommandUnsubscribe:
		return "unsubscribe"
	case CommandPublish:
		return "publish"
	case CommandPublishJSON:
		return "publish-json"
	case CommandPing:
		return "ping"
	}
	return "UNKNOWN"
}

// Command is one parsed inbound text frame
type Command struct {
	// Type the command verb
	Type CommandType
	// Name client name for register-name
	Name string
	// Session session ID for register-session, or the explicit session
	// of a subscribe / unsubscribe ("" when not given)
	Session string
	// Topic target topic for subscribe / unsubscribe / publish
	Topic string
	// Payload message body for the legacy publish form
	Payload string
	// Envelope the full message envelope for publish-json
	Envelope common.MessageEnvelope
}

// pongFrame is the literal reply to an inbound "ping"
var pongFrame = []byte("pong")

// ParseCommand parse one inbound text frame against the command grammar.
// The first ':' separates verb from body, except for publish-json whose
// body is a raw JSON object, and for the legacy publish form where the
// payload is everything after the second ':'.
func ParseCommand(frame []byte) (Command, error) {
	text := string(frame)
	if text == "ping" {
		return Command{Type: CommandPing}, nil
	}
	split := strings.Index(text, ":")
	if split < 0 {
		return Command{}, fmt.Errorf("frame '%s' does not match any command", text)
	}
	verb := text[:split]
	body := text[split+1:]
	switch verb {
	case "register-name":
		name := strings.TrimSpace(body)
		if len(name) == 0 {
			return Command{}, fmt.Errorf("register-name with empty name")
		}
		return Command{Type: CommandRegisterName, Name: name}, nil

	case "register-session":
		session := strings.TrimSpace(body)
		if err := common.ValidateSessionID(session); err != nil {
			return Command{}, err
		}
		return Command{Type: CommandRegisterSession, Session: session}, nil

	case "subscribe", "unsubscribe":
		cmdType := CommandSubscribe
		if verb == "unsubscribe" {
			cmdType = CommandUnsubscribe
		}
		parts := strings.SplitN(strings.TrimSpace(body), "|", 2)
		topic := parts[0]
		if err := common.ValidateTopicName(topic); err != nil {
			return Command{}, err
		}
		session := ""
		if len(parts) == 2 {
			session = parts[1]
			if err := common.ValidateSessionID(session); err != nil {
				return Command{}, err
			}
		}
		return Command{Type: cmdType, Topic: topic, Session: session}, nil

	case "publish":
		parts := strings.SplitN(body, ":", 2)
		if len(parts) != 2 {
			return Command{}, fmt.Errorf("publish frame missing payload delimiter")
		}
		if err := common.ValidateTopicName(parts[0]); err != nil {
			return Command{}, err
		}
		return Command{Type: CommandPublish, Topic: parts[0], Payload: parts[1]}, nil

	case "publish-json":
		var envelope common.MessageEnvelope
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			return Command{}, fmt.Errorf("publish-json body is not valid JSON: %w", err)
		}
		if err := common.ValidateTopicName(envelope.Topic); err != nil {
			return Command{}, err
		}
		return Command{Type: CommandPublishJSON, Envelope: envelope}, nil
	}
	return Command{}, fmt.Errorf("unknown command verb '%s'", verb)
}

// EncodeEnvelope serialize an envelope into the outbound wire frame
func EncodeEnvelope(envelope common.MessageEnvelope) ([]byte, error) {
	return json.Marshal(&envelope)
}
