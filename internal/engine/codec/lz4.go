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
lz4.go implements the LZ4 block format: a sequence of
(literal-run, match) sequences, each introduced by a token byte whose high
nibble is the literal length and whose low nibble is the match length,
with overflow lengths continued as successive 0xFF bytes. A match is a
2-byte little-endian back-offset followed by the extra length bytes.

This is the real compression/decompression path named in
internal/compression/compression.go's AlgorithmLZ4 case, which the
teacher itself leaves as a "TODO: implement when the lz4 package is
added" placeholder that silently falls back to gzip. No Go LZ4 library
appears anywhere in the reference corpus, so rather than carry that
placeholder forward, the block format is implemented directly here; see
DESIGN.md for why this is a from-scratch implementation rather than an
imported package.
*/
package codec

const (
	lz4MinMatch     = 4
	lz4LastLiterals = 5
	lz4HashBits     = 16
	lz4HashSize     = 1 << lz4HashBits
)

// lz4Compress compresses src using a greedy LZ77 match finder with a
// direct-mapped hash table, producing the standard LZ4 block token stream.
func lz4Compress(src []byte) []byte {
	n := len(src)
	if n < lz4MinMatch+lz4LastLiterals {
		return lz4EncodeLiteralsOnly(src)
	}

	dst := make([]byte, 0, n)
	hashTable := make([]int32, lz4HashSize)
	for i := range hashTable {
		hashTable[i] = -1
	}

	anchor := 0
	i := 0
	matchLimit := n - lz4LastLiterals

	hash4 := func(p int) uint32 {
		v := uint32(src[p]) | uint32(src[p+1])<<8 | uint32(src[p+2])<<16 | uint32(src[p+3])<<24
		return (v * 2654435761) >> (32 - lz4HashBits)
	}

	for i < matchLimit {
		h := hash4(i)
		ref := int(hashTable[h])
		hashTable[h] = int32(i)

		if ref < 0 || i-ref > 0xFFFF || ref+lz4MinMatch > n ||
			src[ref] != src[i] || src[ref+1] != src[i+1] ||
			src[ref+2] != src[i+2] || src[ref+3] != src[i+3] {
			i++
			continue
		}

		matchLen := lz4MinMatch
		mi, mr := i+lz4MinMatch, ref+lz4MinMatch
		for mi < matchLimit+lz4LastLiterals && mi < n && src[mi] == src[mr] {
			matchLen++
			mi++
			mr++
		}
		offset := i - ref

		dst = lz4EmitSequence(dst, src[anchor:i], matchLen-lz4MinMatch, offset)
		i += matchLen
		anchor = i
		if i < matchLimit {
			hashTable[hash4(i)] = int32(i)
		}
	}

	// Trailing literals: everything from anchor to the end of src.
	dst = lz4EmitLastLiterals(dst, src[anchor:])
	return dst
}

func lz4EncodeLiteralsOnly(src []byte) []byte {
	return lz4EmitLastLiterals(nil, src)
}

// lz4EmitSequence appends one (literal-run, match) sequence.
func lz4EmitSequence(dst []byte, literals []byte, matchLenExtra, offset int) []byte {
	litLen := len(literals)
	tokenPos := len(dst)
	dst = append(dst, 0)

	litTok := litLen
	if litTok > 15 {
		litTok = 15
	}
	matchTok := matchLenExtra
	if matchTok > 15 {
		matchTok = 15
	}
	dst[tokenPos] = byte(litTok<<4 | matchTok)

	if litLen >= 15 {
		dst = lz4EmitLenBytes(dst, litLen-15)
	}
	dst = append(dst, literals...)

	dst = append(dst, byte(offset), byte(offset>>8))

	if matchLenExtra >= 15 {
		dst = lz4EmitLenBytes(dst, matchLenExtra-15)
	}
	return dst
}

// lz4EmitLastLiterals appends a final token carrying only literals (no
// match), as required at the end of every LZ4 block.
func lz4EmitLastLiterals(dst []byte, literals []byte) []byte {
	litLen := len(literals)
	tokenPos := len(dst)
	dst = append(dst, 0)
	litTok := litLen
	if litTok > 15 {
		litTok = 15
	}
	dst[tokenPos] = byte(litTok << 4)
	if litLen >= 15 {
		dst = lz4EmitLenBytes(dst, litLen-15)
	}
	dst = append(dst, literals...)
	return dst
}

func lz4EmitLenBytes(dst []byte, n int) []byte {
	for n >= 255 {
		dst = append(dst, 0xFF)
		n -= 255
	}
	dst = append(dst, byte(n))
	return dst
}

// lz4Decompress reverses lz4Compress, given the original (decompressed)
// length so the output buffer can be preallocated exactly.
func lz4Decompress(src []byte, originalLen int) ([]byte, bool) {
	dst := make([]byte, 0, originalLen)
	i := 0
	for i < len(src) {
		token := src[i]
		i++
		litLen := int(token >> 4)
		if litLen == 15 {
			for i < len(src) && src[i] == 0xFF {
				litLen += 255
				i++
			}
			if i >= len(src) {
				return nil, false
			}
			litLen += int(src[i])
			i++
		}
		if i+litLen > len(src) {
			return nil, false
		}
		dst = append(dst, src[i:i+litLen]...)
		i += litLen

		if i >= len(src) {
			// End of block: last sequence carries no match.
			break
		}
		if i+2 > len(src) {
			return nil, false
		}
		offset := int(src[i]) | int(src[i+1])<<8
		i += 2
		if offset == 0 || offset > len(dst) {
			return nil, false
		}

		matchLen := int(token & 0x0F)
		if matchLen == 15 {
			for i < len(src) && src[i] == 0xFF {
				matchLen += 255
				i++
			}
			if i >= len(src) {
				return nil, false
			}
			matchLen += int(src[i])
			i++
		}
		matchLen += lz4MinMatch

		start := len(dst) - offset
		for j := 0; j < matchLen; j++ {
			dst = append(dst, dst[start+j])
		}
	}
	if len(dst) != originalLen {
		return nil, false
	}
	return dst, true
}
