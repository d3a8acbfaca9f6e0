package hashid

import (
	"testing"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(Config{Salt: "test-salt", MinLength: 20})
	require.NoError(t, err)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	for _, docType := range numbering.AllDocumentTypes() {
		for _, id := range []uint64{0, 1, 42, 1489, 1500, 987654321} {
			hash, err := c.Encode(docType, id)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(hash), 20)

			got, err := c.Decode(docType, hash)
			require.NoError(t, err)
			assert.Equal(t, id, got, "%s/%d", docType, id)
			assert.NoError(t, c.Verify(docType, hash, id))
		}
	}
}

func TestCodec_TypesUseDistinctSalts(t *testing.T) {
	c := newTestCodec(t)
	payment, err := c.Encode(numbering.DocumentTypePayment, 1500)
	require.NoError(t, err)
	invoice, err := c.Encode(numbering.DocumentTypeInvoice, 1500)
	require.NoError(t, err)
	assert.NotEqual(t, payment, invoice)

	id, err := c.Decode(numbering.DocumentTypeInvoice, payment)
	if err == nil {
		assert.NotEqual(t, uint64(1500), id)
	} else {
		assert.ErrorIs(t, err, shared.ErrDecodeFailure)
	}
}

func TestCodec_Deterministic(t *testing.T) {
	a := newTestCodec(t)
	b := newTestCodec(t)
	ha, err := a.Encode(numbering.DocumentTypePayment, 77)
	require.NoError(t, err)
	hb, err := b.Encode(numbering.DocumentTypePayment, 77)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCodec_DecodeFailures(t *testing.T) {
	c := newTestCodec(t)

	t.Run("empty", func(t *testing.T) {
		_, err := c.Decode(numbering.DocumentTypePayment, "")
		assert.ErrorIs(t, err, shared.ErrDecodeFailure)
	})

	t.Run("outside alphabet", func(t *testing.T) {
		_, err := c.Decode(numbering.DocumentTypePayment, "!!!not-a-hash!!!")
		assert.ErrorIs(t, err, shared.ErrDecodeFailure)
	})

	t.Run("owner mismatch", func(t *testing.T) {
		hash, err := c.Encode(numbering.DocumentTypePayment, 5)
		require.NoError(t, err)
		assert.ErrorIs(t, c.Verify(numbering.DocumentTypePayment, hash, 6), shared.ErrDecodeFailure)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := c.Decode(numbering.DocumentType("receipt"), "abc")
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestCodec_RandomToken(t *testing.T) {
	c := newTestCodec(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := c.RandomToken()
		require.NoError(t, err)
		assert.Len(t, token, 30)
		assert.True(t, c.IsOpaqueToken(token))
		assert.False(t, seen[token])
		seen[token] = true

		// Opaque tokens verify for any owner
		assert.NoError(t, c.Verify(numbering.DocumentTypePayment, token, 1))
	}

	hash, err := c.Encode(numbering.DocumentTypePayment, 1)
	require.NoError(t, err)
	assert.False(t, c.IsOpaqueToken(hash))
}
