package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridRoundTrip(t *testing.T) {
	alice, bob := testKeyPairs(t)

	payload := []byte("a passkey that is far too long for a single RSA-OAEP block " +
		"because it keeps going well past the one hundred and ninety byte limit that " +
		"a 2048 bit modulus with SHA-256 padding leaves for the message itself.")

	envelope, err := EncryptWithHybrid(payload, alice.PublicKey)
	require.NoError(t, err)

	got, err := DecryptWithHybrid(envelope, alice.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = DecryptWithHybrid(envelope, bob.PrivateKey)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestHybridString_ExactNesting(t *testing.T) {
	h := &Hybrid{
		Passphrase: "cHA=",
		Value:      Sealed{IV: "aXY=", Tag: "dGFn", Ciphertext: "Y3Q="},
	}

	assert.Equal(t, "Y0hBPQ==|WVZoWlBRPT18WkVkR2JnPT18V1ROUlBRPT0=", h.String())

	parsed, err := ParseHybrid(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHybrid_Malformed(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name     string
		envelope string
	}{
		{name: "empty", envelope: ""},
		{name: "single segment", envelope: enc("passphrase")},
		{name: "three outer segments", envelope: enc("a") + "|" + enc("b") + "|" + enc("c")},
		{name: "outer not base64", envelope: "%%%|" + enc(enc("iv")+"|"+enc("tag")+"|"+enc("ct"))},
		{name: "inner two segments", envelope: enc("pp") + "|" + enc(enc("iv")+"|"+enc("tag"))},
		{name: "inner four segments", envelope: enc("pp") + "|" + enc(enc("a")+"|"+enc("b")+"|"+enc("c")+"|"+enc("d"))},
		{name: "inner not base64", envelope: enc("pp") + "|" + enc("%%|%%|%%")},
		{name: "empty field", envelope: enc("pp") + "|" + enc(enc("iv")+"||"+enc("ct"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHybrid(tt.envelope)
			assert.ErrorIs(t, err, ErrInvalidHybridFormat)

			kp, _ := testKeyPairs(t)
			_, err = DecryptWithHybrid(tt.envelope, kp.PrivateKey)
			assert.ErrorIs(t, err, ErrInvalidHybridFormat)
			assert.NotErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestEncryptWithHybrid_EmptyPayload(t *testing.T) {
	kp, _ := testKeyPairs(t)
	_, err := EncryptWithHybrid(nil, kp.PublicKey)
	assert.ErrorIs(t, err, ErrInvalidHybridFormat)
}
