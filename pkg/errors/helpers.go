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

package errors

import (
	"context"
	"errors"
)

// CodeOf extracts the stable machine code from an error chain.
// Unclassified errors map to provider_error, the catch-all routing code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Code
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Code != "" {
			return provErr.Code
		}
		return CodeProviderError
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CodeValidation
	}

	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return CodeNotFound
	}

	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return CodeProviderTimeout
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeProviderTimeout
	}

	return CodeProviderError
}

// IsRetryable reports whether a step failure with this code may route through
// an on_fail remediation link. Validation and cancellation never retry.
func IsRetryable(code Code) bool {
	switch code {
	case CodeProviderTimeout, CodeProviderError, CodeGateBlockingFailed:
		return true
	default:
		return false
	}
}
