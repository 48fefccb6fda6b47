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

// Package vault provides AES-256-GCM encrypted storage for per-pipeline
// secret inputs. Ciphertext is opaque outside this package; only key
// material ever lives in the process.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	fferrors "github.com/fyreflow/fyreflow/pkg/errors"
)

const (
	// TokenPrefix versions the encrypted token format.
	TokenPrefix = "ffv1:"

	// SecureSentinel replaces secret values in anything surfaced to the
	// editor or written to logs.
	SecureSentinel = "[secure]"

	gcmNonceSize = 12 // 96 bits (standard for GCM)
	gcmTagSize   = 16
)

// sensitiveFragments is the key heuristic: inputs whose key contains any of
// these fragments (case-insensitive) are treated as secrets.
var sensitiveFragments = []string{"token", "secret", "password", "api_key", "oauth"}

// IsSensitiveKey reports whether an input key is secret by heuristic.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// IsEncrypted reports whether a value carries the versioned token prefix.
func IsEncrypted(token string) bool {
	return strings.HasPrefix(token, TokenPrefix)
}

// Vault encrypts and decrypts per-pipeline secret inputs. Reads are
// concurrent; key initialization is singleton.
type Vault struct {
	dataDir string

	keyOnce sync.Once
	key     []byte
	keyErr  error

	mu sync.RWMutex // guards secrets files
}

// New creates a Vault rooted at the given data directory. The key is
// resolved lazily on first use.
func New(dataDir string) *Vault {
	return &Vault{dataDir: dataDir}
}

// loadKey resolves the vault key exactly once for the process lifetime.
func (v *Vault) loadKey() ([]byte, error) {
	v.keyOnce.Do(func() {
		v.key, v.keyErr = resolveKey(v.dataDir)
	})
	if v.keyErr != nil {
		return nil, &fferrors.RunError{
			Code:    fferrors.CodeSecretsUnavailable,
			Message: "vault key unreadable",
			Cause:   v.keyErr,
		}
	}
	return v.key, nil
}

// Encrypt encrypts a plaintext into a versioned token:
// ffv1:base64(iv).base64(tag).base64(ciphertext)
func (v *Vault) Encrypt(plaintext string) (string, error) {
	key, err := v.loadKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return TokenPrefix +
		base64.StdEncoding.EncodeToString(nonce) + "." +
		base64.StdEncoding.EncodeToString(tag) + "." +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a token produced by Encrypt. Failure to decrypt yields
// the original token unchanged so legacy/plaintext values are tolerated but
// opaque values remain masked.
func (v *Vault) Decrypt(token string) string {
	if !IsEncrypted(token) {
		return token
	}

	key, err := v.loadKey()
	if err != nil {
		return token
	}

	parts := strings.SplitN(strings.TrimPrefix(token, TokenPrefix), ".", 3)
	if len(parts) != 3 {
		return token
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != gcmNonceSize {
		return token
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return token
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return token
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return token
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return token
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return token
	}
	return string(plaintext)
}

// Save encrypts and stores values for a pipeline, merging into any
// existing entries.
func (v *Vault) Save(pipelineID string, values map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, err := v.readTokens(pipelineID)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if stored == nil {
		stored = make(map[string]string)
	}

	for key, plaintext := range values {
		token, err := v.Encrypt(plaintext)
		if err != nil {
			return err
		}
		stored[key] = token
	}

	return v.writeTokens(pipelineID, stored)
}

// Forget removes the given keys from a pipeline's secret store.
func (v *Vault) Forget(pipelineID string, keys []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, err := v.readTokens(pipelineID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	for _, key := range keys {
		delete(stored, key)
	}

	return v.writeTokens(pipelineID, stored)
}

// Read returns the decrypted secret inputs for a pipeline. Values that
// cannot be decrypted pass through unchanged.
func (v *Vault) Read(pipelineID string) (map[string]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	stored, err := v.readTokens(pipelineID)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	result := make(map[string]string, len(stored))
	for key, token := range stored {
		result[key] = v.Decrypt(token)
	}
	return result, nil
}

// Keys returns the stored secret key names for a pipeline without
// decrypting any values.
func (v *Vault) Keys(pipelineID string) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	stored, err := v.readTokens(pipelineID)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	keys := make([]string, 0, len(stored))
	for key := range stored {
		keys = append(keys, key)
	}
	return keys, nil
}

// Purge removes all secret entries for a pipeline. Called when the
// pipeline is deleted so orphaned entries do not accumulate.
func (v *Vault) Purge(pipelineID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := os.Remove(v.secretsPath(pipelineID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to purge secrets: %w", err)
	}
	return nil
}

func (v *Vault) secretsPath(pipelineID string) string {
	return filepath.Join(v.dataDir, "secrets", pipelineID+".json")
}

// readTokens loads the raw token map from disk. Caller must hold a lock.
func (v *Vault) readTokens(pipelineID string) (map[string]string, error) {
	data, err := os.ReadFile(v.secretsPath(pipelineID))
	if err != nil {
		return nil, err
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("invalid secrets file format: %w", err)
	}
	return stored, nil
}

// writeTokens persists the token map atomically. Caller must hold the lock.
func (v *Vault) writeTokens(pipelineID string, stored map[string]string) error {
	path := v.secretsPath(pipelineID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MaskInputs returns a copy of inputs with secret-keyed values replaced by
// the secure sentinel. Used for everything persisted on a run record or
// surfaced to the editor.
func MaskInputs(inputs map[string]string) map[string]string {
	masked := make(map[string]string, len(inputs))
	for key, value := range inputs {
		if IsSensitiveKey(key) {
			masked[key] = SecureSentinel
		} else {
			masked[key] = value
		}
	}
	return masked
}
