// Package cuid2 generates collision-resistant, URL-safe identifiers with a
// type prefix, e.g. "run_0CL2KwaB3cD5eF7gH9iJ1k". The default form starts
// with a base62-encoded timestamp so ids sort roughly by creation time,
// which keeps B-tree index writes local.
package cuid2

import (
	crypto_rand "crypto/rand"
	"strings"
	"time"
)

// Base62 alphabet: 0-9, A-Z, a-z (62 characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// encodeTimestampBase62 encodes a Unix timestamp (seconds) as a 6-character
// base62 string. Lexicographic order matches timestamp order.
func encodeTimestampBase62(timestampSeconds int64) string {
	n := timestampSeconds
	result := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		result[i] = base62Alphabet[n%62]
		n = n / 62
	}
	return string(result)
}

// randomBase62 generates a random base62 string of the given length using
// rejection sampling so every character is uniformly distributed. Extracts
// 6 bits at a time and rejects values >= 62 (~3% rejection rate).
func randomBase62(length int) string {
	bytesNeeded := (length*6)/8 + 4
	bytes := make([]byte, bytesNeeded)
	if _, err := crypto_rand.Read(bytes); err != nil {
		panic("failed to read random bytes: " + err.Error())
	}

	var result strings.Builder
	bitBuffer := uint64(0)
	bitsInBuffer := uint(0)
	byteIndex := 0

	for result.Len() < length {
		for bitsInBuffer < 6 && byteIndex < len(bytes) {
			bitBuffer = (bitBuffer << 8) | uint64(bytes[byteIndex])
			bitsInBuffer += 8
			byteIndex++
		}

		value := (bitBuffer >> (bitsInBuffer - 6)) & 0x3f
		bitsInBuffer -= 6

		if value < 62 {
			result.WriteByte(base62Alphabet[value])
		}

		if byteIndex >= len(bytes) && result.Len() < length {
			if _, err := crypto_rand.Read(bytes); err != nil {
				panic("failed to read random bytes: " + err.Error())
			}
			byteIndex = 0
			bitBuffer = 0
			bitsInBuffer = 0
		}
	}

	return result.String()
}

// New generates a time-sortable prefixed id: prefix, underscore, 6-char
// base62 timestamp, 18 random base62 characters.
func New(prefix string) string {
	return prefix + "_" + encodeTimestampBase62(time.Now().Unix()) + randomBase62(18)
}

// NewOpaque generates a prefixed id with no timestamp component, 24 random
// base62 characters. Used where creation time must not leak, e.g. run
// ownership tokens.
func NewOpaque(prefix string) string {
	return prefix + "_" + randomBase62(24)
}
