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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/enc"
	"github.com/apex/log"
)

// APIRestEncryptionHandler handler exposing the broker's envelope
// encryption public key. The key exchange is advisory; broker routing is
// not coupled to the encryption layer.
type APIRestEncryptionHandler struct {
	goutils.RestAPIHandler
	keypair *enc.KeyPair
}

// GetAPIRestEncryptionHandler define APIRestEncryptionHandler
func GetAPIRestEncryptionHandler(
	keypair *enc.KeyPair, httpConfig *common.HTTPConfig,
) (APIRestEncryptionHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "encryption",
	}
	return APIRestEncryptionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		keypair:        keypair,
	}, nil
}

// GetPublicKey respond with the current P-256 public key as Base64 of the
// raw uncompressed point, as plain text
func (h APIRestEncryptionHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(h.keypair.PublicKey())); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetPublicKeyHandler Wrapper around GetPublicKey
func (h APIRestEncryptionHandler) GetPublicKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPublicKey(w, r)
	}
}
