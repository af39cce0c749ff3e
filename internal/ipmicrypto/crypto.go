// Package ipmicrypto implements the cipher suite 3 primitives required by
// the RAKP handshake and active-session framing: HMAC-SHA1, its 96-bit
// truncation, AES-CBC-128, and a cryptographically strong random source.
// Grounded on the padding/trailer scheme in k-sone-ipmigo's lanplus.go,
// generalized from session-trailer-only helpers into a standalone kit the
// session state machine calls directly.
package ipmicrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
)

// HMACSHA1Size is the full digest size used for RAKP authcodes (20 bytes).
const HMACSHA1Size = sha1.Size

// IntegritySize is the truncated HMAC-SHA1-96 size used for active-session
// integrity trailers and RAKP4's ICV (12 bytes).
const IntegritySize = 12

// HMACSHA1 computes the full 20-byte HMAC-SHA1 digest of data under key.
func HMACSHA1(key, data []byte) [HMACSHA1Size]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	var out [HMACSHA1Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// HMACSHA1_96 truncates HMACSHA1 to the first 12 bytes (Section 13.28.1).
func HMACSHA1_96(key, data []byte) [IntegritySize]byte {
	full := HMACSHA1(key, data)
	var out [IntegritySize]byte
	copy(out[:], full[:IntegritySize])
	return out
}

// ConstantTimeEqual compares two byte slices in constant time. The RAKP3
// authcode check must use this: leaking timing here would let an attacker
// distinguish "close" guesses from "far" ones byte by byte.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

// AESCBC128Encrypt encrypts plaintext under a PKCS-style IPMI pad (Section
// 13.29): the payload is padded with 1..N, N, and a random IV is prepended.
// The returned slice is iv || ciphertext.
func AESCBC128Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}

	srcLen := len(plaintext)
	padLen := 0
	if mod := (srcLen + 1) % aes.BlockSize; mod != 0 {
		padLen = aes.BlockSize - mod
	}
	padded := make([]byte, srcLen+padLen+1)
	copy(padded, plaintext)
	for i := 0; i < padLen; i++ {
		padded[srcLen+i] = byte(i + 1)
	}
	padded[srcLen+padLen] = byte(padLen)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// AESCBC128Decrypt reverses AESCBC128Encrypt, stripping the IV and the
// trailing IPMI pad.
func AESCBC128Decrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	if l := len(src); l < aes.BlockSize || (l-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a whole number of blocks: %d bytes", l)
	}
	iv, data := src[:aes.BlockSize], src[aes.BlockSize:]
	if len(data) == 0 {
		return nil, fmt.Errorf("ciphertext has no data blocks")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	padLen := int(out[len(out)-1])
	if padLen+1 > len(out) {
		return nil, fmt.Errorf("invalid pad length %d", padLen)
	}
	return out[:len(out)-padLen-1], nil
}
