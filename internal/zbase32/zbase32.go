// Package zbase32 implements the z-base-32 encoding used by pkarr to spell
// Ed25519 public keys as DNS labels.
//
// z-base-32 packs 5 bits per character, like RFC 4648 base32, but uses a
// human-friendlier alphabet and is case-insensitive. There is no pack
// repository or ecosystem library for it, so the bit-packing here mirrors
// the standard library's encoding/base32 approach instead of vendoring one.
package zbase32

import "strings"

const alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// PubkeyChars is the length of a z-base-32 encoded 32-byte Ed25519 public
// key: ceil(32*8/5) = 52 characters, carrying 4 padding bits that must be
// zero.
const PubkeyChars = 52

var decodeMap [256]int8

func init() {
	for i := range decodeMap {
		decodeMap[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeMap[alphabet[i]] = int8(i)
		if alphabet[i] >= 'a' && alphabet[i] <= 'z' {
			decodeMap[alphabet[i]-'a'+'A'] = int8(i)
		}
	}
}

// Decode decodes a z-base-32 string into raw bytes. It accepts any length
// divisible into whole bits; callers that need exactly 32 bytes (a pkarr
// public key) should use DecodePublicKey instead.
func Decode(s string) ([]byte, bool) {
	var bitBuf uint64
	var bitCount uint
	out := make([]byte, 0, len(s)*5/8+1)

	for i := 0; i < len(s); i++ {
		v := decodeMap[s[i]]
		if v < 0 {
			return nil, false
		}

		bitBuf = (bitBuf << 5) | uint64(v)
		bitCount += 5

		for bitCount >= 8 {
			bitCount -= 8
			out = append(out, byte(bitBuf>>bitCount))
		}
	}

	// Any leftover bits must be zero padding, not data.
	if bitCount > 0 && bitBuf&((1<<bitCount)-1) != 0 {
		return nil, false
	}

	return out, true
}

// DecodePublicKey decodes a 52-character z-base-32 label into a 32-byte
// Ed25519 public key. It returns false if s is not exactly PubkeyChars
// characters, contains characters outside the z-base-32 alphabet, or does
// not decode to exactly 32 bytes.
func DecodePublicKey(s string) ([32]byte, bool) {
	var key [32]byte

	if len(s) != PubkeyChars {
		return key, false
	}

	raw, ok := Decode(strings.ToLower(s))
	if !ok || len(raw) != 32 {
		return key, false
	}

	copy(key[:], raw)
	return key, true
}

// Encode encodes raw bytes as a z-base-32 string.
func Encode(data []byte) string {
	var bitBuf uint64
	var bitCount uint
	var sb strings.Builder
	sb.Grow((len(data)*8 + 4) / 5)

	for _, b := range data {
		bitBuf = (bitBuf << 8) | uint64(b)
		bitCount += 8

		for bitCount >= 5 {
			bitCount -= 5
			sb.WriteByte(alphabet[(bitBuf>>bitCount)&0x1f])
		}
	}

	if bitCount > 0 {
		sb.WriteByte(alphabet[(bitBuf<<(5-bitCount))&0x1f])
	}

	return sb.String()
}

// EncodePublicKey encodes a 32-byte Ed25519 public key as its 52-character
// z-base-32 label.
func EncodePublicKey(key [32]byte) string {
	return Encode(key[:])
}
