package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/registry"
	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BatchResponse reports how many batch records were stored
type BatchResponse struct {
	Stored int `json:"stored"`
}

// IngestController accepts telemetry over HTTP
type IngestController struct {
	ingestion *services.IngestionService
	timeout   time.Duration
	logger    *utils.Logger
}

// NewIngestController creates a new ingest controller
func NewIngestController(ingestion *services.IngestionService, timeout time.Duration, logger *utils.Logger) *IngestController {
	return &IngestController{
		ingestion: ingestion,
		timeout:   timeout,
		logger:    logger.Named("ingest_controller"),
	}
}

// RegisterRoutes registers the ingest routes
func (c *IngestController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/telemetry", c.Ingest)
	router.POST("/telemetry/batch", c.IngestBatch)
}

// Ingest stores the readings of one device
// @Summary Ingest telemetry
// @Description Stores one device's readings. The device is named by device_id, gateway_id with edge_key, or token.
// @Tags telemetry
// @Accept json
// @Produce json
// @Param message body object true "Telemetry message"
// @Success 200 {object} services.IngestResult "Ingest result"
// @Failure 400 {object} utils.ErrorResponse "Invalid document"
// @Failure 404 {object} utils.ErrorResponse "Unknown device"
// @Failure 503 {object} utils.ErrorResponse "Store unavailable"
// @Router /telemetry [post]
func (c *IngestController) Ingest(ctx *gin.Context) {
	body, err := readBody(ctx)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	reqCtx, cancel := requestContext(ctx, c.timeout)
	defer cancel()

	result, err := c.ingestion.IngestPayload(reqCtx, body, registry.Identity{}, services.SourceAPI)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// IngestBatch stores fully specified records of one or more devices
// @Summary Ingest a telemetry batch
// @Description Stores records of several devices. Records of unknown devices are skipped.
// @Tags telemetry
// @Accept json
// @Produce json
// @Param batch body object true "Telemetry batch"
// @Success 200 {object} BatchResponse "Stored record count"
// @Failure 400 {object} utils.ErrorResponse "Invalid document"
// @Failure 404 {object} utils.ErrorResponse "No record resolved to a device"
// @Failure 503 {object} utils.ErrorResponse "Store unavailable"
// @Router /telemetry/batch [post]
func (c *IngestController) IngestBatch(ctx *gin.Context) {
	body, err := readBody(ctx)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	reqCtx, cancel := requestContext(ctx, c.timeout)
	defer cancel()

	stored, err := c.ingestion.IngestBatchPayload(reqCtx, body)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Debug("Batch ingested", zap.Int("stored", stored))
	ctx.JSON(http.StatusOK, BatchResponse{Stored: stored})
}

func readBody(ctx *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", utils.ErrBadRequest, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", utils.ErrBadRequest, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", utils.ErrBadRequest)
	}
	return body, nil
}
