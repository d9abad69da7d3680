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

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.EncryptionEnabled {
		t.Error("Expected default EncryptionEnabled true (security default), got false")
	}
	if cfg.EncryptionPassphrase != "" {
		t.Errorf("Expected default EncryptionPassphrase empty, got %q", cfg.EncryptionPassphrase)
	}
}

func TestGlobalManager(t *testing.T) {
	mgr := Global()
	if mgr == nil {
		t.Fatal("Global() returned nil")
	}

	// Should return the same instance every time.
	mgr2 := Global()
	if mgr != mgr2 {
		t.Error("Global() returned different instances")
	}
}

func TestManagerGetReturnsCopy(t *testing.T) {
	mgr := NewManager()
	cfg := mgr.Get()
	cfg.EncryptionPassphrase = "mutated"

	fresh := mgr.Get()
	if fresh.EncryptionPassphrase == "mutated" {
		t.Error("Get() leaked a pointer to the live config; mutation through it should not be visible")
	}
}

func TestManagerSetReplacesConfig(t *testing.T) {
	mgr := NewManager()
	mgr.Set(&Config{EncryptionEnabled: false, EncryptionPassphrase: "swapped"})

	cfg := mgr.Get()
	if cfg.EncryptionEnabled {
		t.Error("Set() did not take effect: EncryptionEnabled still true")
	}
	if cfg.EncryptionPassphrase != "swapped" {
		t.Errorf("EncryptionPassphrase = %q, want swapped", cfg.EncryptionPassphrase)
	}
}
