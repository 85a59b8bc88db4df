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
	"testing"

	"github.com/alwitt/wspubsub/common"
	"github.com/stretchr/testify/assert"
)

func TestParseCommandBasicVerbs(t *testing.T) {
	assert := assert.New(t)

	// ping is a bare frame, not verb:body
	{
		cmd, err := ParseCommand([]byte("ping"))
		assert.Nil(err)
		assert.Equal(CommandPing, cmd.Type)
	}

	{
		cmd, err := ParseCommand([]byte("register-name:client-1"))
		assert.Nil(err)
		assert.Equal(CommandRegisterName, cmd.Type)
		assert.Equal("client-1", cmd.Name)
	}

	// Whitespace around the body is trimmed
	{
		cmd, err := ParseCommand([]byte("register-session: session-A "))
		assert.Nil(err)
		assert.Equal(CommandRegisterSession, cmd.Type)
		assert.Equal("session-A", cmd.Session)
	}

	{
		cmd, err := ParseCommand([]byte("subscribe:updates"))
		assert.Nil(err)
		assert.Equal(CommandSubscribe, cmd.Type)
		assert.Equal("updates", cmd.Topic)
		assert.Empty(cmd.Session)
	}

	{
		cmd, err := ParseCommand([]byte("subscribe:updates|session-B"))
		assert.Nil(err)
		assert.Equal(CommandSubscribe, cmd.Type)
		assert.Equal("updates", cmd.Topic)
		assert.Equal("session-B", cmd.Session)
	}

	{
		cmd, err := ParseCommand([]byte("unsubscribe:updates|session-B"))
		assert.Nil(err)
		assert.Equal(CommandUnsubscribe, cmd.Type)
		assert.Equal("updates", cmd.Topic)
		assert.Equal("session-B", cmd.Session)
	}
}

func TestParseCommandLegacyPublish(t *testing.T) {
	assert := assert.New(t)

	{
		cmd, err := ParseCommand([]byte("publish:updates:hello"))
		assert.Nil(err)
		assert.Equal(CommandPublish, cmd.Type)
		assert.Equal("updates", cmd.Topic)
		assert.Equal("hello", cmd.Payload)
	}

	// The payload is everything after the second ':'
	{
		cmd, err := ParseCommand([]byte("publish:updates:a:b:c"))
		assert.Nil(err)
		assert.Equal("updates", cmd.Topic)
		assert.Equal("a:b:c", cmd.Payload)
	}

	// Empty payload is allowed
	{
		cmd, err := ParseCommand([]byte("publish:updates:"))
		assert.Nil(err)
		assert.Empty(cmd.Payload)
	}

	// Missing payload delimiter is not
	{
		_, err := ParseCommand([]byte("publish:updates"))
		assert.NotNil(err)
	}
}

func TestParseCommandPublishJSON(t *testing.T) {
	assert := assert.New(t)

	{
		body := common.MessageEnvelope{
			PublisherName: "client-1",
			Topic:         "updates",
			Payload:       "hello",
			Timestamp:     "2025-04-01T10:00:00Z",
			SessionID:     "session-A",
		}
		serialized, err := json.Marshal(&body)
		assert.Nil(err)
		cmd, err := ParseCommand(append([]byte("publish-json:"), serialized...))
		assert.Nil(err)
		assert.Equal(CommandPublishJSON, cmd.Type)
		assert.Equal(body, cmd.Envelope)
	}

	// Not JSON
	{
		_, err := ParseCommand([]byte("publish-json:{nope"))
		assert.NotNil(err)
	}

	// Missing topic
	{
		_, err := ParseCommand([]byte(`publish-json:{"payload":"hi"}`))
		assert.NotNil(err)
	}
}

func TestParseCommandRejectsMalformedFrames(t *testing.T) {
	assert := assert.New(t)

	for _, frame := range []string{
		"",
		"pong",
		"no-delimiter-here",
		"bogus-verb:body",
		"register-name:",
		"register-session:has|pipe",
		"subscribe:",
		"subscribe:topic|",
		"subscribe:a|b|c",
		"unsubscribe:has:colon",
	} {
		_, err := ParseCommand([]byte(frame))
		assert.NotNil(err, "frame '%s' should be rejected", frame)
	}
}
