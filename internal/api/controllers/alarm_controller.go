package controllers

import (
	"net/http"
	"time"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
	"github.com/digital-egiz/telemetry-core/internal/db/repository"
	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
)

// ActorRequest names the operator performing an alarm transition
type ActorRequest struct {
	Actor string `json:"actor" binding:"max=100"`
}

// BulkAcknowledgeRequest acknowledges several alarms at once
type BulkAcknowledgeRequest struct {
	IDs   []uint `json:"ids" binding:"required,min=1,max=500,dive,gt=0"`
	Actor string `json:"actor" binding:"max=100"`
}

// AlarmController exposes alarm queries and the acknowledge/clear workflow
type AlarmController struct {
	alarmService *services.AlarmService
	logger       *utils.Logger
}

// NewAlarmController creates a new alarm controller
func NewAlarmController(alarmService *services.AlarmService, logger *utils.Logger) *AlarmController {
	return &AlarmController{
		alarmService: alarmService,
		logger:       logger.Named("alarm_controller"),
	}
}

// RegisterRoutes registers the routes under /alarms
func (c *AlarmController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/active", c.GetActive)
	router.GET("/statistics", c.GetStatistics)
	router.POST("/acknowledge", c.BulkAcknowledge)
	router.POST("/no-data/sweep", c.RunNoDataSweep)
	router.POST("/:id/acknowledge", c.Acknowledge)
	router.POST("/:id/clear", c.Clear)
}

// RegisterDeviceRoutes registers the routes under /devices/:id
func (c *AlarmController) RegisterDeviceRoutes(router *gin.RouterGroup) {
	router.GET("/alarms", c.GetDeviceAlarms)
}

// GetActive lists triggered and acknowledged alarms
// @Summary List active alarms
// @Tags alarms
// @Produce json
// @Param device_id query int false "Device ID"
// @Param site_id query int false "Site ID"
// @Param severity query string false "Severity" Enums(info, warning, major, critical)
// @Success 200 {array} models.Alarm "Active alarms"
// @Failure 400 {object} utils.ErrorResponse "Bad request"
// @Router /alarms/active [get]
func (c *AlarmController) GetActive(ctx *gin.Context) {
	deviceID, err := queryID(ctx, "device_id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	siteID, err := queryID(ctx, "site_id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	list, err := c.alarmService.GetActive(ctx.Request.Context(), repository.AlarmFilter{
		DeviceID: deviceID,
		SiteID:   siteID,
		Severity: models.Severity(ctx.Query("severity")),
	})
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"alarms": list, "count": len(list)})
}

// GetDeviceAlarms returns the alarm history of a device
// @Summary Device alarm history
// @Tags alarms
// @Produce json
// @Param id path int true "Device ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} utils.PaginatedResponse "Alarm page"
// @Failure 404 {object} utils.ErrorResponse "Device not found"
// @Router /devices/{id}/alarms [get]
func (c *AlarmController) GetDeviceAlarms(ctx *gin.Context) {
	deviceID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	page, err := c.alarmService.GetDeviceHistory(ctx.Request.Context(), deviceID, utils.GetPaginationFromContext(ctx))
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, page)
}

// Acknowledge marks a triggered alarm as seen
// @Summary Acknowledge an alarm
// @Tags alarms
// @Accept json
// @Produce json
// @Param id path int true "Alarm ID"
// @Param request body ActorRequest false "Actor"
// @Success 200 {object} models.Alarm "Acknowledged alarm"
// @Failure 404 {object} utils.ErrorResponse "Alarm not found"
// @Failure 409 {object} utils.ErrorResponse "Alarm is not triggered"
// @Router /alarms/{id}/acknowledge [post]
func (c *AlarmController) Acknowledge(ctx *gin.Context) {
	id, actor, ok := c.transitionParams(ctx)
	if !ok {
		return
	}

	alarm, err := c.alarmService.Acknowledge(ctx.Request.Context(), id, actor)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, alarm)
}

// Clear closes an active alarm
// @Summary Clear an alarm
// @Tags alarms
// @Accept json
// @Produce json
// @Param id path int true "Alarm ID"
// @Param request body ActorRequest false "Actor"
// @Success 200 {object} models.Alarm "Cleared alarm"
// @Failure 404 {object} utils.ErrorResponse "Alarm not found"
// @Failure 409 {object} utils.ErrorResponse "Alarm already cleared"
// @Router /alarms/{id}/clear [post]
func (c *AlarmController) Clear(ctx *gin.Context) {
	id, actor, ok := c.transitionParams(ctx)
	if !ok {
		return
	}

	alarm, err := c.alarmService.Clear(ctx.Request.Context(), id, actor)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, alarm)
}

// BulkAcknowledge acknowledges each listed alarm independently
// @Summary Acknowledge several alarms
// @Tags alarms
// @Accept json
// @Produce json
// @Param request body BulkAcknowledgeRequest true "Alarm ids"
// @Success 200 {array} alarms.BulkResult "Per-alarm results"
// @Failure 400 {object} utils.ValidationErrorResponse "Validation error"
// @Router /alarms/acknowledge [post]
func (c *AlarmController) BulkAcknowledge(ctx *gin.Context) {
	var req BulkAcknowledgeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	results := c.alarmService.BulkAcknowledge(ctx.Request.Context(), req.IDs, req.Actor)
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

// GetStatistics counts alarms triggered in a range
// @Summary Alarm statistics
// @Tags alarms
// @Produce json
// @Param start query string false "Start time (ISO8601)"
// @Param end query string false "End time (ISO8601)"
// @Success 200 {object} models.AlarmStatistics "Statistics"
// @Failure 400 {object} utils.ErrorResponse "Bad request"
// @Router /alarms/statistics [get]
func (c *AlarmController) GetStatistics(ctx *gin.Context) {
	tr, err := utils.GetTimeRangeFromContext(ctx, time.Now().UTC())
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	stats, err := c.alarmService.GetStatistics(ctx.Request.Context(), tr)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, stats)
}

// RunNoDataSweep checks every no-data rule now
// @Summary Run a no-data sweep
// @Tags alarms
// @Produce json
// @Success 200 {object} alarms.SweepResult "Sweep result"
// @Failure 409 {object} utils.ErrorResponse "A sweep is already running"
// @Router /alarms/no-data/sweep [post]
func (c *AlarmController) RunNoDataSweep(ctx *gin.Context) {
	result, err := c.alarmService.RunNoDataSweep(ctx.Request.Context())
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// transitionParams reads the alarm id and the optional actor body
func (c *AlarmController) transitionParams(ctx *gin.Context) (uint, string, bool) {
	id, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return 0, "", false
	}

	var req ActorRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			utils.HandleValidationErrors(ctx, err)
			return 0, "", false
		}
	}
	return id, req.Actor, true
}
