package controllers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
)

// maxBodyBytes caps inbound telemetry documents
const maxBodyBytes = 10 << 20

// pathID reads a positive numeric path parameter
func pathID(ctx *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid %s", utils.ErrBadRequest, name)
	}
	return uint(id), nil
}

// queryID reads an optional positive numeric query parameter
func queryID(ctx *gin.Context, name string) (*uint, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: invalid %s", utils.ErrBadRequest, name)
	}
	v := uint(id)
	return &v, nil
}

// requiredQueryID is queryID for parameters that must be present
func requiredQueryID(ctx *gin.Context, name string) (uint, error) {
	id, err := queryID(ctx, name)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, fmt.Errorf("%w: %s is required", utils.ErrBadRequest, name)
	}
	return *id, nil
}

// requestContext bounds a handler by timeout; zero means no bound beyond the request's own
func requestContext(ctx *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx.Request.Context())
	}
	return context.WithTimeout(ctx.Request.Context(), timeout)
}
