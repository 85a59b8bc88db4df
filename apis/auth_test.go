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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/wspubsub/auth"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestTokenEndpoint(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tokens, err := auth.GetTokenManager("ut-auth-secret", time.Minute*30, nil, "ut-auth")
	assert.Nil(err)
	uut, err := GetAPIRestAuthHandler(tokens, defineTestHTTPConfig())
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/auth/token", map[string]http.HandlerFunc{
		"post": uut.IssueTokenHandler(),
	})
	server := httptest.NewServer(router)
	defer server.Close()

	post := func(body []byte) *http.Response {
		resp, err := http.Post(
			server.URL+"/auth/token", "application/json", bytes.NewReader(body),
		)
		assert.Nil(err)
		return resp
	}

	// Case 0: valid credentials without a session
	{
		resp := post([]byte(`{"username":"alice","password":"password"}`))
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed TokenResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Nil(resp.Body.Close())
		assert.Equal(1800, parsed.ExpiresIn)
		claims, err := tokens.Verify(parsed.Token)
		assert.Nil(err)
		assert.Equal("alice", claims.Subject)
		assert.Empty(claims.SessionID)
	}

	// Case 1: valid credentials with a session
	{
		resp := post([]byte(`{"username":"alice","password":"password","session_id":"s-42"}`))
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed TokenResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Nil(resp.Body.Close())
		claims, err := tokens.Verify(parsed.Token)
		assert.Nil(err)
		assert.Equal("s-42", claims.SessionID)
	}

	// Case 2: bad credentials
	{
		resp := post([]byte(`{"username":"alice","password":"wrong"}`))
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 3: malformed body
	{
		resp := post([]byte(`{nope`))
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 4: missing required fields
	{
		resp := post([]byte(`{"username":"alice"}`))
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 5: session ID with reserved delimiters
	{
		resp := post([]byte(`{"username":"alice","password":"password","session_id":"s|42"}`))
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}
}
