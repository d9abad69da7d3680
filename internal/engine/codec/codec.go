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
Package codec implements the stored-value framing:

	flags_byte || [expiry_u64_le]? || payload

Bit 0 of flags marks an 8-byte little-endian absolute expiry (ms since
epoch) prefixing the payload; bit 1 marks an LZ4-compressed payload; bit 2
marks an encrypted payload carrying a 12-byte nonce prefix. Compression is
applied before encryption, and is skipped (with the flag cleared) if it
does not shrink the payload, per the codec's contract.

Grounded on internal/storage/encryption.go's AES-256-GCM Encryptor
(unchanged: same pbkdf2 key derivation, same nonce-prepended convention)
and internal/compression's Algorithm/Config shape, generalized from gzip
to the LZ4 block codec in lz4.go.
*/
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	engerrors "github.com/leiko57/skiodb/internal/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	FlagExpiry      uint8 = 1 << 0
	FlagCompressed  uint8 = 1 << 1
	FlagEncrypted   uint8 = 1 << 2
)

// DefaultMinCompressSize is the minimum payload size compression is even
// attempted for.
const DefaultMinCompressSize = 64

// DefaultSalt is a fixed development salt for passphrase-derived keys;
// embedders should supply Options.EncryptionKey as a raw key instead of a
// passphrase whenever possible.
var DefaultSalt = []byte("skiodb-default-salt-v1")

const keyDerivationIterations = 100000

// Cipher wraps an AES-256-GCM AEAD, built either from a raw 32-byte key
// or a passphrase (derived via PBKDF2-SHA256, matching
// internal/storage.Encryptor exactly).
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds a Cipher from a raw key. Only 32-byte keys are
// accepted here (AES-256, matching the stored-value encryption flag's
// AEAD scheme); 16/24-byte keys are accepted at the Options boundary and
// widened by the caller before reaching the codec.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, engerrors.BadInput("codec: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, engerrors.BadInput("codec: invalid encryption key: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, engerrors.BadInput("codec: gcm init: " + err.Error())
	}
	return &Cipher{gcm: gcm}, nil
}

// NewCipherFromPassphrase derives a 32-byte AES key from a passphrase via
// PBKDF2-SHA256, the same derivation internal/storage.Encryptor uses.
func NewCipherFromPassphrase(passphrase string, salt []byte) (*Cipher, error) {
	if len(salt) == 0 {
		salt = DefaultSalt
	}
	key := pbkdf2.Key([]byte(passphrase), salt, keyDerivationIterations, 32, sha256.New)
	return NewCipher(key)
}

func (c *Cipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, engerrors.IoError("codec: nonce", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.gcm.NonceSize() {
		return nil, engerrors.Corrupt("codec: ciphertext too short")
	}
	nonce, ct := ciphertext[:c.gcm.NonceSize()], ciphertext[c.gcm.NonceSize():]
	pt, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, engerrors.Corrupt("codec: decryption failed")
	}
	return pt, nil
}

// Options controls how Encode frames a value.
type Options struct {
	Compress       bool
	Cipher         *Cipher // nil disables encryption regardless of flag.
	MinCompressSize int
	ExpiryMillis   uint64 // 0 means no TTL.
}

// Encode produces the stored-value byte string for a user value.
func Encode(value []byte, opts Options) []byte {
	var flags uint8
	payload := value

	minSize := opts.MinCompressSize
	if minSize <= 0 {
		minSize = DefaultMinCompressSize
	}
	if opts.Compress && len(payload) >= minSize {
		compressed := lz4Compress(payload)
		framed := make([]byte, 4, 4+len(compressed))
		binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
		framed = append(framed, compressed...)
		if len(framed) < len(payload) {
			payload = framed
			flags |= FlagCompressed
		}
	}

	if opts.Cipher != nil {
		ct, err := opts.Cipher.seal(payload)
		if err == nil {
			payload = ct
			flags |= FlagEncrypted
		}
	}

	out := make([]byte, 0, 1+8+len(payload))
	out = append(out, flags|expiryBit(opts.ExpiryMillis))
	if opts.ExpiryMillis != 0 {
		var eb [8]byte
		binary.LittleEndian.PutUint64(eb[:], opts.ExpiryMillis)
		out = append(out, eb[:]...)
	}
	out = append(out, payload...)
	return out
}

func expiryBit(expiry uint64) uint8 {
	if expiry != 0 {
		return FlagExpiry
	}
	return 0
}

// Decoded is the result of decoding a stored value.
type Decoded struct {
	Value      []byte
	ExpiryMillis uint64 // 0 if no TTL.
}

// Decode reverses Encode, given the Cipher needed if the encryption flag
// is set (nil is fine when the database was opened without a key; a set
// flag with a nil Cipher is reported as Corrupt).
func Decode(stored []byte, cipher *Cipher) (Decoded, error) {
	if len(stored) == 0 {
		return Decoded{}, engerrors.Corrupt("codec: empty stored value")
	}
	flags := stored[0]
	off := 1
	var expiry uint64
	if flags&FlagExpiry != 0 {
		if len(stored) < off+8 {
			return Decoded{}, engerrors.Corrupt("codec: truncated expiry")
		}
		expiry = binary.LittleEndian.Uint64(stored[off : off+8])
		off += 8
	}
	payload := stored[off:]

	if flags&FlagEncrypted != 0 {
		if cipher == nil {
			return Decoded{}, engerrors.Corrupt("codec: encrypted value, no key configured")
		}
		pt, err := cipher.open(payload)
		if err != nil {
			return Decoded{}, err
		}
		payload = pt
	}

	if flags&FlagCompressed != 0 {
		if len(payload) < 4 {
			return Decoded{}, engerrors.Corrupt("codec: truncated compression header")
		}
		originalLen := int(binary.LittleEndian.Uint32(payload[:4]))
		decompressed, ok := lz4Decompress(payload[4:], originalLen)
		if !ok {
			return Decoded{}, engerrors.Corrupt("codec: lz4 decompression failed")
		}
		payload = decompressed
	}

	return Decoded{Value: payload, ExpiryMillis: expiry}, nil
}

// Expired reports whether an expiry timestamp (ms since epoch) has
// passed as of nowMillis.
func Expired(expiryMillis uint64, nowMillis uint64) bool {
	return expiryMillis != 0 && nowMillis >= expiryMillis
}
