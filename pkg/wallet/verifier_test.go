package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	pub, priv := newKey(t)
	msg := BuildMessage(RoleTenant, 7, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	sig := ed25519.Sign(priv, []byte(msg))

	v := NewVerifier()
	assert.NoError(t, v.Verify(msg, sig, EncodeWalletID(pub)))
	assert.NoError(t, v.VerifyBase64(msg, base64.StdEncoding.EncodeToString(sig), EncodeWalletID(pub)))
}

func TestVerifyRejections(t *testing.T) {
	pub, priv := newKey(t)
	otherPub, _ := newKey(t)
	msg := BuildMessage(RoleLandlord, 1, time.Now())
	sig := ed25519.Sign(priv, []byte(msg))
	v := NewVerifier()

	cases := map[string]error{
		"wrong wallet":     v.Verify(msg, sig, EncodeWalletID(otherPub)),
		"tampered message": v.Verify(msg+"x", sig, EncodeWalletID(pub)),
		"short signature":  v.Verify(msg, sig[:10], EncodeWalletID(pub)),
		"bad wallet":       v.Verify(msg, sig, "not-base58-0OIl"),
		"empty message":    v.Verify("", sig, EncodeWalletID(pub)),
		"bad base64":       v.VerifyBase64(msg, "%%%", EncodeWalletID(pub)),
	}
	for name, err := range cases {
		var invalidErr *InvalidSignatureError
		assert.True(t, errors.As(err, &invalidErr), name)
	}
}

func TestSameWalletDifferentRolesProducesDistinctMessages(t *testing.T) {
	_, priv := newKey(t)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	landlord := BuildMessage(RoleLandlord, 2, at)
	tenant := BuildMessage(RoleTenant, 2, at.Add(time.Second))

	assert.NotEqual(t, landlord, tenant)
	assert.NotEqual(t, ed25519.Sign(priv, []byte(landlord)), ed25519.Sign(priv, []byte(tenant)))
}

func TestParseMessageRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 30, 15, 123000000, time.UTC)
	parsed, err := ParseMessage(BuildMessage(RoleLandlord, 42, at))
	require.NoError(t, err)
	assert.Equal(t, RoleLandlord, parsed.Role)
	assert.Equal(t, uint(42), parsed.LeaseID)
	assert.True(t, at.Equal(parsed.IssuedAt))
}

func TestParseMessageMalformed(t *testing.T) {
	for _, msg := range []string{
		"",
		"LANDLORD - I agree to the terms of this rental agreement - lease 1",
		"OWNER - I agree to the terms of this rental agreement - lease 1 - 2026-10-19T00:00:00Z",
		"TENANT - something else - lease 1 - 2026-10-19T00:00:00Z",
		"TENANT - I agree to the terms of this rental agreement - contract 1 - 2026-10-19T00:00:00Z",
		"TENANT - I agree to the terms of this rental agreement - lease 0 - 2026-10-19T00:00:00Z",
		"TENANT - I agree to the terms of this rental agreement - lease 1 - yesterday",
	} {
		_, err := ParseMessage(msg)
		assert.Error(t, err, msg)
	}
}
