package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/errs"
)

func TestNewAEADSignerValidatesKeyLengths(t *testing.T) {
	tests := []struct {
		name    string
		enc     []byte
		sig     []byte
		wantErr bool
	}{
		{name: "valid 32-byte keys", enc: make([]byte, 32), sig: make([]byte, 32), wantErr: false},
		{name: "short encryption key", enc: make([]byte, 16), sig: make([]byte, 32), wantErr: true},
		{name: "short signing key", enc: make([]byte, 32), sig: make([]byte, 16), wantErr: true},
		{name: "empty keys", enc: []byte{}, sig: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAEADSigner(tt.enc, tt.sig)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, errs.Internal, errs.KindOf(err))
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
		})
	}
}

func TestNewAEADSignerFromSecretDerivesDistinctKeys(t *testing.T) {
	s, err := NewAEADSignerFromSecret([]byte("cluster-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, s.encryptionKey, s.signingKey)
	assert.Len(t, s.encryptionKey, 32)
	assert.Len(t, s.signingKey, 32)
}

func TestSignVerifyRoundTrips(t *testing.T) {
	s, err := NewAEADSigner(make([]byte, 32), bytesN(32, 7))
	require.NoError(t, err)

	payload := []byte(`{"op":"commit","collection":"users","pk":"u1"}`)
	signed, err := s.Sign(context.Background(), "txn-1", payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, signed)

	got, err := s.Verify("txn-1", signed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVerifyRejectsWrongTxnID(t *testing.T) {
	s, err := NewAEADSigner(make([]byte, 32), bytesN(32, 7))
	require.NoError(t, err)

	signed, err := s.Sign(context.Background(), "txn-1", []byte("payload"))
	require.NoError(t, err)

	_, err = s.Verify("txn-2", signed)
	require.Error(t, err)
	assert.Equal(t, errs.Internal, errs.KindOf(err))
}

func TestVerifyRejectsTamperedCiphertext(t *testing.T) {
	s, err := NewAEADSigner(make([]byte, 32), bytesN(32, 7))
	require.NoError(t, err)

	signed, err := s.Sign(context.Background(), "txn-1", []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte{}, signed...)
	tampered[0] ^= 0xFF

	_, err = s.Verify("txn-1", tampered)
	require.Error(t, err)
}

func TestSignRejectsCancelledContext(t *testing.T) {
	s, err := NewAEADSigner(make([]byte, 32), bytesN(32, 7))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Sign(ctx, "txn-1", []byte("payload"))
	assert.Error(t, err)
}

func TestHookReturnsBoundSignMethod(t *testing.T) {
	s, err := NewAEADSigner(make([]byte, 32), bytesN(32, 7))
	require.NoError(t, err)

	h := s.Hook()
	signed, err := h(context.Background(), "txn-1", []byte("payload"))
	require.NoError(t, err)

	got, err := s.Verify("txn-1", signed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func bytesN(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
