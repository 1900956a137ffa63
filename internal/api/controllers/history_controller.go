package controllers

import (
	"net/http"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HistoryController handles history data requests
type HistoryController struct {
	historyService *services.HistoryService
	logger         *utils.Logger
}

// NewHistoryController creates a new history controller
func NewHistoryController(historyService *services.HistoryService, logger *utils.Logger) *HistoryController {
	return &HistoryController{
		historyService: historyService,
		logger:         logger.Named("history_controller"),
	}
}

// RegisterRoutes registers the history routes
func (c *HistoryController) RegisterRoutes(router *gin.RouterGroup) {
	// Routes under /devices/:id/telemetry
	router.GET("/latest", c.GetLatest)
	router.GET("/history", c.GetHistory)
	router.GET("/statistics", c.GetStatistics)
}

// GetLatest returns the current value of every datapoint of a device
// @Summary Get latest values
// @Description Returns the cached current and previous value of every datapoint of a device
// @Tags history
// @Produce json
// @Param id path int true "Device ID"
// @Success 200 {array} telemetry.LatestValue "Latest values"
// @Failure 404 {object} utils.ErrorResponse "Device not found"
// @Router /devices/{id}/telemetry/latest [get]
func (c *HistoryController) GetLatest(ctx *gin.Context) {
	deviceID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	values, err := c.historyService.GetLatest(ctx.Request.Context(), deviceID)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"device_id": deviceID, "values": values})
}

// GetHistory returns stored points of one datapoint
// @Summary Get datapoint history
// @Description Returns a page of stored points, newest first
// @Tags history
// @Produce json
// @Param id path int true "Device ID"
// @Param datapoint_id query int true "Datapoint ID"
// @Param start query string false "Start time (ISO8601)"
// @Param end query string false "End time (ISO8601)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} utils.PaginatedResponse "History page"
// @Failure 400 {object} utils.ErrorResponse "Bad request"
// @Failure 404 {object} utils.ErrorResponse "Device not found"
// @Router /devices/{id}/telemetry/history [get]
func (c *HistoryController) GetHistory(ctx *gin.Context) {
	deviceID, datapointID, tr, ok := c.seriesParams(ctx)
	if !ok {
		return
	}

	page, err := c.historyService.GetHistory(ctx.Request.Context(), deviceID, datapointID, tr, utils.GetPaginationFromContext(ctx))
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, page)
}

// GetStatistics aggregates one datapoint over a time range
// @Summary Get datapoint statistics
// @Description Returns count, min, max, avg, sum, first and last of numeric points in the range
// @Tags history
// @Produce json
// @Param id path int true "Device ID"
// @Param datapoint_id query int true "Datapoint ID"
// @Param start query string false "Start time (ISO8601)"
// @Param end query string false "End time (ISO8601)"
// @Success 200 {object} models.DatapointStatistics "Statistics"
// @Failure 400 {object} utils.ErrorResponse "Bad request"
// @Failure 404 {object} utils.ErrorResponse "Device not found"
// @Router /devices/{id}/telemetry/statistics [get]
func (c *HistoryController) GetStatistics(ctx *gin.Context) {
	deviceID, datapointID, tr, ok := c.seriesParams(ctx)
	if !ok {
		return
	}

	stats, err := c.historyService.GetStatistics(ctx.Request.Context(), deviceID, datapointID, tr)
	if err != nil {
		c.logger.Error("Failed to get statistics",
			zap.Uint("device_id", deviceID),
			zap.Uint("datapoint_id", datapointID),
			zap.Error(err))
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, stats)
}

func (c *HistoryController) seriesParams(ctx *gin.Context) (uint, uint, utils.TimeRange, bool) {
	deviceID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return 0, 0, utils.TimeRange{}, false
	}
	datapointID, err := requiredQueryID(ctx, "datapoint_id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return 0, 0, utils.TimeRange{}, false
	}
	tr, err := utils.GetTimeRangeFromContext(ctx, time.Now().UTC())
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return 0, 0, utils.TimeRange{}, false
	}
	return deviceID, datapointID, tr, true
}
