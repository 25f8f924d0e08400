// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyPayload(t *testing.T) {
	require := require.New(t)

	secret := []byte("webhook-secret")
	payload := []byte(`{"event":"conversion.validated","amount":"10.00"}`)

	sig := SignPayload(secret, payload)
	require.NotEmpty(sig)
	require.Equal(sig, SignPayload(secret, payload), "signature must be deterministic")

	require.True(VerifyPayload(secret, payload, sig))
	require.False(VerifyPayload([]byte("other-secret"), payload, sig))
	require.False(VerifyPayload(secret, []byte("tampered"), sig))
	require.False(VerifyPayload(secret, payload, "not-hex"))
}

func TestDeriveFingerprint(t *testing.T) {
	require := require.New(t)

	fp := DeriveFingerprint("Mozilla/5.0", "1920x1080", "en-US", "203.0.113.7")
	require.Equal(fp, DeriveFingerprint("Mozilla/5.0", "1920x1080", "en-US", "203.0.113.7"))
	require.Contains(fp, "fp_")

	// Any differing input changes the fingerprint.
	require.NotEqual(fp, DeriveFingerprint("Mozilla/5.0", "1920x1080", "en-US", "203.0.113.8"))
	require.NotEqual(fp, DeriveFingerprint("Mozilla/5.0", "1280x720", "en-US", "203.0.113.7"))
}

func TestCommitmentAndHash(t *testing.T) {
	require := require.New(t)

	data := []byte("tracking event")
	require.Len(CreateCommitment(data), 32)
	require.Len(HashData(data), 32)
	require.Equal(HashData(data), HashData(data))
	require.NotEqual(HashData(data), HashData([]byte("other")))
}
