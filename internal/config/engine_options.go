/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/leiko57/skiodb/internal/engine"
)

// Environment variable names for embedding an engine.Engine directly.
const (
	EnvEngineName          = "SKIODB_NAME"
	EnvEngineCompression   = "SKIODB_COMPRESSION"
	EnvEngineEncryptionKey = "SKIODB_ENCRYPTION_KEY"
	EnvEngineReadOnly      = "SKIODB_READ_ONLY"
	EnvEngineMaxKeyLen     = "SKIODB_MAX_KEY_LEN"
	EnvEngineMaxValueLen   = "SKIODB_MAX_VALUE_LEN"
	EnvEngineAltBackend    = "SKIODB_ALT_BACKEND"
)

// EngineOptionsFromEnv layers SKIODB_* environment variables onto base,
// overriding only the fields whose variable is set. Callers typically pass engine.Options{} or a
// programmatically built base and get back the options to hand to
// engine.Open.
func EngineOptionsFromEnv(base engine.Options) (engine.Options, error) {
	opts := base

	if v := os.Getenv(EnvEngineName); v != "" {
		opts.Name = v
	}
	if v := os.Getenv(EnvEngineCompression); v != "" {
		opts.Compression = isTruthy(v)
	}
	if v := os.Getenv(EnvEngineEncryptionKey); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return engine.Options{}, fmt.Errorf("config: %s is not valid hex: %w", EnvEngineEncryptionKey, err)
		}
		switch len(key) {
		case 16, 24, 32:
			opts.EncryptionKey = key
		default:
			sum := sha256.Sum256(key)
			opts.EncryptionKey = sum[:]
		}
	}
	if v := os.Getenv(EnvEngineReadOnly); v != "" {
		opts.ReadOnly = isTruthy(v)
	}
	if v := os.Getenv(EnvEngineMaxKeyLen); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return engine.Options{}, fmt.Errorf("config: %s is not a valid integer: %w", EnvEngineMaxKeyLen, err)
		}
		opts.MaxKeyLen = n
	}
	if v := os.Getenv(EnvEngineMaxValueLen); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return engine.Options{}, fmt.Errorf("config: %s is not a valid integer: %w", EnvEngineMaxValueLen, err)
		}
		opts.MaxValueLen = n
	}
	if v := os.Getenv(EnvEngineAltBackend); v != "" {
		opts.UseAltBackend = isTruthy(v)
	}

	return opts, nil
}

// LoadEngineOptions produces an engine.Options for name by seeding its
// encryption key from the module's global Config (as set through
// Global().Set) and layering the SKIODB_* engine-specific environment
// variables over it, so the environment overrides the Config. A caller embedding the engine
// directly — without running the rest of the server — can call this once
// at startup instead of hand-assembling an engine.Options.
func LoadEngineOptions(name string) (engine.Options, error) {
	cfg := Global().Get()

	base := engine.Options{
		Name:        name,
		Compression: false,
		ReadOnly:    false,
	}
	if cfg.EncryptionEnabled && cfg.EncryptionPassphrase != "" {
		base.EncryptionKey = widenPassphrase(cfg.EncryptionPassphrase)
	}

	return EngineOptionsFromEnv(base)
}

func isTruthy(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// widenPassphrase turns an arbitrary-length passphrase into a 32-byte key
// by hashing it with SHA-256, the same hash deriveCipher applies to 16-
// and 24-byte keys, so callers don't need to size their passphrases.
func widenPassphrase(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}
