package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"device not found", fmt.Errorf("resolve: %w", ErrDeviceNotFound), http.StatusNotFound, "device_not_found"},
		{"invalid transition", ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{"store unavailable", fmt.Errorf("write: %w", ErrStoreUnavailable), http.StatusServiceUnavailable, "service_unavailable"},
		{"validation", ErrValidation, http.StatusBadRequest, "validation_error"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(w)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			HandleError(ctx, tt.err, NewNopLogger())

			assert.Equal(t, tt.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}

	t.Run("Should expose custom error code", func(t *testing.T) {
		w := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(w)
		ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		HandleError(ctx, NewErrorWithCode(ErrInvalidTransition, "ALARM_CLEARED"), NewNopLogger())

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ALARM_CLEARED", resp.Code)
	})
}
