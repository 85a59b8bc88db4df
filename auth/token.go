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

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredentials returned by Issue when credential validation fails
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenClaims are the claims carried by a bearer token. Subject is the
// authenticated user; SessionID, when present, pins the connection's session
// and cannot be overridden over the wire.
type TokenClaims struct {
	// SessionID session to link the connection with
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// CredentialCheck validates a username / password pair
type CredentialCheck func(username, password string) bool

// DevCredentialCheck accepts any non-empty username with the password
// "password". It exists for local development and the test harness only;
// production deployments supply their own CredentialCheck.
func DevCredentialCheck(username, password string) bool {
	return len(username) > 0 && password == "password"
}

// TokenManager mints and validates signed bearer tokens
type TokenManager interface {
	// Issue validate the credentials and mint a token carrying the
	// subject, and the session ID if one was requested
	Issue(username, password, sessionID string) (string, time.Duration, error)
	// Verify validate a token and return its claims
	Verify(token string) (TokenClaims, error)
}

// tokenManagerImpl implements TokenManager around HMAC-SHA-256 signing
type tokenManagerImpl struct {
	goutils.Component
	secret           []byte
	tokenTTL         time.Duration
	checkCredentials CredentialCheck
}

// GetTokenManager define a new TokenManager. A nil CredentialCheck selects
// DevCredentialCheck.
func GetTokenManager(
	secret string, tokenTTL time.Duration, check CredentialCheck, instance string,
) (TokenManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token signing secret must not be empty")
	}
	if tokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	if check == nil {
		check = DevCredentialCheck
	}
	logTags := log.Fields{
		"module": "auth", "component": "token-manager", "instance": instance,
	}
	return &tokenManagerImpl{
		Component:        goutils.Component{LogTags: logTags},
		secret:           []byte(secret),
		tokenTTL:         tokenTTL,
		checkCredentials: check,
	}, nil
}

// Issue validate the credentials and mint a token
func (t *tokenManagerImpl) Issue(
	username, password, sessionID string,
) (string, time.Duration, error) {
	if !t.checkCredentials(username, password) {
		log.WithFields(t.LogTags).Warnf("Rejected token request for '%s'", username)
		return "", 0, ErrInvalidCredentials
	}
	now := time.Now()
	claims := TokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Unable to sign token for '%s'", username,
		)
		return "", 0, err
	}
	log.WithFields(t.LogTags).Infof("Issued token for '%s'", username)
	return signed, t.tokenTTL, nil
}

// Verify validate a token and return its claims
func (t *tokenManagerImpl) Verify(token string) (TokenClaims, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(_ *jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}
