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

// Package enc implements the end-to-end payload envelope format: ECDH over
// P-256 for key agreement, AES-256-GCM for the payload, a 12-byte nonce
// prepended to the ciphertext, and standard Base64 on the wire. The broker
// routes payloads as opaque strings and is not coupled to this format; the
// package exists so peers (including the browser harness) can interoperate.
package enc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// nonceLength AES-GCM nonce size used by the envelope format
const nonceLength = 12

// KeyPair a P-256 key pair for envelope key agreement
type KeyPair struct {
	goutils.Component
	private *ecdh.PrivateKey
}

// GenerateKeyPair create a new P-256 key pair
func GenerateKeyPair(instance string) (*KeyPair, error) {
	logTags := log.Fields{
		"module": "enc", "component": "keypair", "instance": instance,
	}
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to generate P-256 key")
		return nil, err
	}
	return &KeyPair{
		Component: goutils.Component{LogTags: logTags}, private: private,
	}, nil
}

// PublicKey the public key as Base64 of the raw uncompressed point
func (k *KeyPair) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.private.PublicKey().Bytes())
}

// SharedSecret derive the 32-byte ECDH shared secret against a peer's
// public key given as Base64 of a raw uncompressed point
func (k *KeyPair) SharedSecret(peerPublicKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer public key is not valid Base64: %w", err)
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("peer public key is not a valid P-256 point: %w", err)
	}
	secret, err := k.private.ECDH(peer)
	if err != nil {
		log.WithError(err).WithFields(k.LogTags).Error("ECDH computation failed")
		return nil, err
	}
	return secret, nil
}

// Encrypt seal a payload with AES-256-GCM under the shared secret. The
// output is Base64(nonce || ciphertext).
func Encrypt(plaintext, sharedSecret []byte) (string, error) {
	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt open a Base64(nonce || ciphertext) envelope under the shared
// secret
func Decrypt(envelope string, sharedSecret []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("envelope is not valid Base64: %w", err)
	}
	if len(raw) <= nonceLength {
		return nil, fmt.Errorf("envelope too short")
	}
	gcm, err := newGCM(sharedSecret)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, raw[:nonceLength], raw[nonceLength:], nil)
}

func newGCM(sharedSecret []byte) (cipher.AEAD, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
