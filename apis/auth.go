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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/auth"
	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// TokenRequest the POST /auth/token request body
type TokenRequest struct {
	// Username credential subject
	Username string `json:"username" validate:"required"`
	// Password credential secret
	Password string `json:"password" validate:"required"`
	// SessionID session to pin the issued token to
	SessionID string `json:"session_id,omitempty"`
}

// TokenResponse the POST /auth/token success response body
type TokenResponse struct {
	// Token the signed bearer token
	Token string `json:"token"`
	// ExpiresIn token TTL in seconds
	ExpiresIn int `json:"expires_in"`
}

// APIRestAuthHandler REST handler for the token service
type APIRestAuthHandler struct {
	goutils.RestAPIHandler
	tokens   auth.TokenManager
	validate *validator.Validate
}

// GetAPIRestAuthHandler define APIRestAuthHandler
func GetAPIRestAuthHandler(
	tokens auth.TokenManager, httpConfig *common.HTTPConfig,
) (APIRestAuthHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "token-service",
	}
	return APIRestAuthHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		tokens:         tokens,
		validate:       validator.New(),
	}, nil
}

// IssueToken validate the credentials in the request body and respond with
// a signed bearer token
func (h APIRestAuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Request body missing required fields"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if request.SessionID != "" {
		if err := common.ValidateSessionID(request.SessionID); err != nil {
			msg := "Invalid session ID"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}

	token, expiresIn, err := h.tokens.Issue(
		request.Username, request.Password, request.SessionID,
	)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			msg := "Invalid credentials"
			log.WithFields(localLogTags).Warnf(
				"Rejected token request for '%s'", request.Username,
			)
			respCode = http.StatusUnauthorized
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
			return
		}
		msg := "Unable to issue token"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = TokenResponse{Token: token, ExpiresIn: int(expiresIn.Seconds())}
}

// IssueTokenHandler Wrapper around IssueToken
func (h APIRestAuthHandler) IssueTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IssueToken(w, r)
	}
}
