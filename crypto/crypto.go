// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/luxfi/crypto/hashing"
	"golang.org/x/crypto/sha3"
)

// CreateCommitment creates a cryptographic commitment using luxfi's hashing
func CreateCommitment(data []byte) []byte {
	return hashing.ComputeHash256(data)
}

// HashData hashes data using SHA256
func HashData(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// SignPayload computes the HMAC-SHA256 signature of a webhook payload.
// The same function is used for both signing and verification so the
// signature input stays deterministic.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a hex HMAC-SHA256 signature in constant time.
func VerifyPayload(secret, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// DeriveFingerprint derives a device fingerprint from stable context
// fields. One-way by construction; used only for abuse heuristics and
// never as a person identifier.
func DeriveFingerprint(userAgent, screenResolution, language, ip string) string {
	input := strings.Join([]string{userAgent, screenResolution, language, ip}, "|")
	sum := sha3.Sum256([]byte(input))
	return "fp_" + hex.EncodeToString(sum[:16])
}
