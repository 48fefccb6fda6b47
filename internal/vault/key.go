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

package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeyEnvVar overrides the file-backed vault key.
	// Accepts raw 32-byte material, "base64:"-prefixed, or "hex:"-prefixed.
	KeyEnvVar = "DASHBOARD_SECRETS_KEY"

	// keyFileName is the file-backed key location under the data directory.
	keyFileName = ".secrets-key"

	keyLength = 32 // 256 bits for AES-256
)

// resolveKey resolves the vault key in deterministic order:
//  1. DASHBOARD_SECRETS_KEY environment variable
//  2. <dataDir>/.secrets-key file, generated with 0600 perms if absent
func resolveKey(dataDir string) ([]byte, error) {
	if envKey := os.Getenv(KeyEnvVar); envKey != "" {
		return normalizeKeyMaterial(envKey)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		if err := verifyFilePermissions(keyPath); err != nil {
			return nil, fmt.Errorf("key file %s: %w", keyPath, err)
		}
		raw := strings.TrimSpace(string(data))
		// Generated key files hold bare base64 of 32 random bytes.
		if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == keyLength {
			return key, nil
		}
		return normalizeKeyMaterial(raw)
	}

	return generateKeyFile(keyPath)
}

// normalizeKeyMaterial accepts raw 32-byte material, a "base64:" or "hex:"
// prefixed encoding, or arbitrary material which is passed through SHA-256
// to derive 32 bytes.
func normalizeKeyMaterial(material string) ([]byte, error) {
	switch {
	case strings.HasPrefix(material, "base64:"):
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(material, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 key material: %w", err)
		}
		if len(key) != keyLength {
			return nil, fmt.Errorf("base64 key material must decode to %d bytes, got %d", keyLength, len(key))
		}
		return key, nil

	case strings.HasPrefix(material, "hex:"):
		key, err := hex.DecodeString(strings.TrimPrefix(material, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex key material: %w", err)
		}
		if len(key) != keyLength {
			return nil, fmt.Errorf("hex key material must decode to %d bytes, got %d", keyLength, len(key))
		}
		return key, nil

	case len(material) == keyLength:
		return []byte(material), nil

	default:
		sum := sha256.Sum256([]byte(material))
		return sum[:], nil
	}
}

// generateKeyFile creates a new random key and persists it base64-encoded
// with 0600 permissions. The key is stable across reboots once written.
func generateKeyFile(keyPath string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	tmpPath := keyPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmpPath, keyPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename key file: %w", err)
	}

	return key, nil
}

// verifyFilePermissions checks that a file has secure permissions (0600 or stricter).
func verifyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("file is a symlink (not allowed for security)")
	}

	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		return fmt.Errorf("file permissions too open (got %o, want 0600)", perm)
	}

	return nil
}
