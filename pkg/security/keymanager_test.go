package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/uptane-agent/pkg/types"
)

func TestGenerateAndSignRoundTrip(t *testing.T) {
	km := NewKeyManager()
	require.NoError(t, km.GenerateUptaneKey())

	data := []byte(`{"_type":"Manifest","version":1}`)
	sig, err := km.SignUptane(data)
	require.NoError(t, err)
	require.Equal(t, "ed25519", sig.Method)
	require.Equal(t, DeriveKeyId(km.UptanePublicKey()), sig.KeyId)

	require.NoError(t, VerifySignature(km.UptanePublicKey(), data, sig))
}

func TestVerifySignatureRejectsTamperedData(t *testing.T) {
	km := NewKeyManager()
	require.NoError(t, km.GenerateUptaneKey())

	sig, err := km.SignUptane([]byte("original"))
	require.NoError(t, err)
	require.Error(t, VerifySignature(km.UptanePublicKey(), []byte("tampered"), sig))
}

func TestVerifySignatureRejectsWrongKey(t *testing.T) {
	km1 := NewKeyManager()
	require.NoError(t, km1.GenerateUptaneKey())
	km2 := NewKeyManager()
	require.NoError(t, km2.GenerateUptaneKey())

	sig, err := km1.SignUptane([]byte("data"))
	require.NoError(t, err)
	require.Error(t, VerifySignature(km2.UptanePublicKey(), []byte("data"), sig))
}

func TestDeriveKeyIdIsDeterministicAndTypeSensitive(t *testing.T) {
	pub := types.PublicKey{Type: types.KeyTypeEd25519, Bytes: []byte{1, 2, 3, 4}}
	id1 := DeriveKeyId(pub)
	id2 := DeriveKeyId(pub)
	require.Equal(t, id1, id2)

	other := types.PublicKey{Type: types.KeyTypeRSA2048, Bytes: []byte{1, 2, 3, 4}}
	require.NotEqual(t, id1, DeriveKeyId(other))
}

func TestSealUnsealKeyRoundTrip(t *testing.T) {
	clusterKey := make([]byte, 32)
	for i := range clusterKey {
		clusterKey[i] = byte(i)
	}
	plaintext := []byte("super secret uptane signing key material")

	sealed, err := SealKey(clusterKey, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := UnsealKey(clusterKey, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestUnsealKeyRejectsWrongKey(t *testing.T) {
	clusterKey := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1

	sealed, err := SealKey(clusterKey, []byte("secret"))
	require.NoError(t, err)
	_, err = UnsealKey(wrongKey, sealed)
	require.Error(t, err)
}
