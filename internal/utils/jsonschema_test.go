package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetrySchemaValidator(t *testing.T) {
	v, err := NewTelemetrySchemaValidator()
	require.NoError(t, err)

	t.Run("Should accept a flat values map", func(t *testing.T) {
		doc := []byte(`{"device_id": 7, "values": {"temp": 21.5, "door": true, "mode": "auto"}}`)
		assert.NoError(t, v.ValidateBytes(SchemaTelemetryMessage, doc))
	})

	t.Run("Should reject nested values", func(t *testing.T) {
		doc := []byte(`{"device_id": 7, "values": {"temp": {"v": 1}}}`)
		assert.ErrorIs(t, v.ValidateBytes(SchemaTelemetryMessage, doc), ErrValidation)
	})

	t.Run("Should reject missing values", func(t *testing.T) {
		assert.ErrorIs(t, v.ValidateBytes(SchemaTelemetryMessage, []byte(`{"device_id": 7}`)), ErrValidation)
	})

	t.Run("Should reject empty batch", func(t *testing.T) {
		assert.ErrorIs(t, v.ValidateBytes(SchemaTelemetryBatch, []byte(`{"records": []}`)), ErrValidation)
	})

	t.Run("Should fail on unknown schema", func(t *testing.T) {
		assert.Error(t, v.ValidateBytes("nope", []byte(`{}`)))
	})
}
