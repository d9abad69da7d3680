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
	"encoding/hex"
	"testing"

	"github.com/leiko57/skiodb/internal/engine"
)

func clearEngineEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvEngineName, EnvEngineCompression, EnvEngineEncryptionKey,
		EnvEngineReadOnly, EnvEngineMaxKeyLen, EnvEngineMaxValueLen,
		EnvEngineAltBackend,
	} {
		t.Setenv(name, "")
	}
}

func TestEngineOptionsFromEnvLeavesBaseUntouchedWhenUnset(t *testing.T) {
	clearEngineEnv(t)
	base := engine.Options{Name: "base-name", Compression: true}
	opts, err := EngineOptionsFromEnv(base)
	if err != nil {
		t.Fatalf("EngineOptionsFromEnv: %v", err)
	}
	if opts.Name != base.Name || opts.Compression != base.Compression {
		t.Fatalf("opts = %+v, want unchanged base %+v", opts, base)
	}
}

func TestEngineOptionsFromEnvOverridesSetFields(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv(EnvEngineName, "from-env")
	t.Setenv(EnvEngineCompression, "true")
	t.Setenv(EnvEngineReadOnly, "1")
	t.Setenv(EnvEngineMaxKeyLen, "256")
	t.Setenv(EnvEngineMaxValueLen, "1024")
	t.Setenv(EnvEngineAltBackend, "true")

	opts, err := EngineOptionsFromEnv(engine.Options{Name: "base-name"})
	if err != nil {
		t.Fatalf("EngineOptionsFromEnv: %v", err)
	}
	if opts.Name != "from-env" {
		t.Errorf("Name = %q, want from-env", opts.Name)
	}
	if !opts.Compression {
		t.Error("Compression = false, want true")
	}
	if !opts.ReadOnly {
		t.Error("ReadOnly = false, want true")
	}
	if opts.MaxKeyLen != 256 {
		t.Errorf("MaxKeyLen = %d, want 256", opts.MaxKeyLen)
	}
	if opts.MaxValueLen != 1024 {
		t.Errorf("MaxValueLen = %d, want 1024", opts.MaxValueLen)
	}
	if !opts.UseAltBackend {
		t.Error("UseAltBackend = false, want true")
	}
}

func TestEngineOptionsFromEnvEncryptionKeyExactLength(t *testing.T) {
	clearEngineEnv(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv(EnvEngineEncryptionKey, hex.EncodeToString(key))

	opts, err := EngineOptionsFromEnv(engine.Options{Name: "t"})
	if err != nil {
		t.Fatalf("EngineOptionsFromEnv: %v", err)
	}
	if string(opts.EncryptionKey) != string(key) {
		t.Fatalf("EncryptionKey = %x, want %x", opts.EncryptionKey, key)
	}
}

func TestEngineOptionsFromEnvEncryptionKeyWidened(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv(EnvEngineEncryptionKey, hex.EncodeToString([]byte("short")))

	opts, err := EngineOptionsFromEnv(engine.Options{Name: "t"})
	if err != nil {
		t.Fatalf("EngineOptionsFromEnv: %v", err)
	}
	if len(opts.EncryptionKey) != 32 {
		t.Fatalf("len(EncryptionKey) = %d, want 32 after widening", len(opts.EncryptionKey))
	}
}

func TestEngineOptionsFromEnvRejectsInvalidHex(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv(EnvEngineEncryptionKey, "not-hex!!")

	if _, err := EngineOptionsFromEnv(engine.Options{Name: "t"}); err == nil {
		t.Fatal("expected error for invalid hex encryption key")
	}
}

func TestEngineOptionsFromEnvRejectsInvalidInteger(t *testing.T) {
	clearEngineEnv(t)
	t.Setenv(EnvEngineMaxKeyLen, "not-a-number")

	if _, err := EngineOptionsFromEnv(engine.Options{Name: "t"}); err == nil {
		t.Fatal("expected error for invalid integer")
	}
}

func TestLoadEngineOptionsSeedsFromGlobalEncryptionConfig(t *testing.T) {
	clearEngineEnv(t)

	cfg := DefaultConfig()
	cfg.EncryptionEnabled = true
	cfg.EncryptionPassphrase = "correct horse battery staple"
	Global().Set(cfg)
	t.Cleanup(func() { Global().Set(DefaultConfig()) })

	opts, err := LoadEngineOptions("mydb")
	if err != nil {
		t.Fatalf("LoadEngineOptions: %v", err)
	}
	if opts.Name != "mydb" {
		t.Errorf("Name = %q, want mydb", opts.Name)
	}
	if len(opts.EncryptionKey) != 32 {
		t.Fatalf("len(EncryptionKey) = %d, want 32", len(opts.EncryptionKey))
	}
}

func TestLoadEngineOptionsEnvOverridesGlobalConfig(t *testing.T) {
	clearEngineEnv(t)

	cfg := DefaultConfig()
	cfg.EncryptionEnabled = false
	Global().Set(cfg)
	t.Cleanup(func() { Global().Set(DefaultConfig()) })

	t.Setenv(EnvEngineName, "env-wins")
	opts, err := LoadEngineOptions("mydb")
	if err != nil {
		t.Fatalf("LoadEngineOptions: %v", err)
	}
	if opts.Name != "env-wins" {
		t.Errorf("Name = %q, want env-wins", opts.Name)
	}
	if opts.EncryptionKey != nil {
		t.Errorf("EncryptionKey = %x, want nil (encryption disabled)", opts.EncryptionKey)
	}
}
