// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides JSON response helpers for the daemon API.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fyreflow/fyreflow/pkg/errors"
)

// ErrorBody is the error envelope for every non-2xx API response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes an error envelope with an explicit code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Code: code, Message: message})
}

// WriteErrorFrom classifies err and writes the matching envelope. Unknown
// errors map to 500 with the internal_error code; the message is the
// error text, which by construction carries no secret material.
func WriteErrorFrom(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	WriteError(w, statusFor(code), codeOrInternal(code), err.Error())
}

func codeOrInternal(code errors.Code) string {
	if code == "" {
		return "internal_error"
	}
	return string(code)
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeProviderUnauthenticated:
		return http.StatusBadGateway
	case errors.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeProviderError:
		return http.StatusBadGateway
	case errors.CodeCancelled:
		return http.StatusConflict
	case errors.CodeSecretsUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
