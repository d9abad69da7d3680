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

/*
Package config holds the small piece of global, mutable configuration that
sits underneath engine.Options: whether data-at-rest encryption is on and
which passphrase derives the key. Everything else an embedder needs — the
storage directory, compression, key/value size limits, backend variant — is
plain data passed straight into engine.Open via engine.Options, and doesn't
need a global singleton.

Config exists as a Manager-guarded global because encryption settings are
naturally host-wide: a process embedding SkioDB either encrypts its data or
it doesn't, independent of which named database is opened. Callers that
want per-call control can skip this package entirely and build an
engine.Options by hand, or use EngineOptionsFromEnv/LoadEngineOptions in
engine_options.go to fold this global with SKIODB_* environment overrides.
*/
package config

import "sync"

// Config holds the encryption defaults consulted by LoadEngineOptions
// before SKIODB_* environment overrides are applied.
type Config struct {
	// EncryptionEnabled turns on data-at-rest encryption when no explicit
	// SKIODB_ENCRYPTION_KEY is supplied.
	EncryptionEnabled bool

	// EncryptionPassphrase derives the encryption key when EncryptionEnabled
	// is set and no explicit key overrides it. Never logged or persisted.
	EncryptionPassphrase string
}

// DefaultConfig returns a Config with encryption enabled and no passphrase
// set. A passphrase must be supplied by the embedder — via Global().Set or
// the SKIODB_ENCRYPTION_KEY environment variable — before LoadEngineOptions
// will actually derive an encryption key.
func DefaultConfig() *Config {
	return &Config{
		EncryptionEnabled:    true,
		EncryptionPassphrase: "",
	}
}

// Manager guards a Config behind a mutex so it can be read and updated
// safely from concurrent goroutines.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager with default values.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// globalManager is the process-wide configuration instance consulted by
// LoadEngineOptions.
var globalManager = NewManager()

// Global returns the global configuration manager.
func Global() *Manager {
	return globalManager
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// Set replaces the current configuration.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}
