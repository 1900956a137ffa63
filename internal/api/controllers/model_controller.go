package controllers

import (
	"net/http"

	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
)

// AssignModelRequest moves a device to another model
type AssignModelRequest struct {
	ModelID uint `json:"model_id" binding:"required,gt=0"`
}

// EdgeKeyRequest renames a gateway-proxied device
type EdgeKeyRequest struct {
	EdgeKey string `json:"edge_key" binding:"required,max=64"`
}

// ModelController edits model datapoints and device assignments
type ModelController struct {
	modelService *services.ModelService
	logger       *utils.Logger
}

// NewModelController creates a new model controller
func NewModelController(modelService *services.ModelService, logger *utils.Logger) *ModelController {
	return &ModelController{
		modelService: modelService,
		logger:       logger.Named("model_controller"),
	}
}

// RegisterRoutes registers the routes under /models
func (c *ModelController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/:id/datapoints", c.AddDatapoint)
	router.DELETE("/:id/datapoints/:dp", c.RemoveDatapoint)
	router.POST("/:id/sync", c.SyncModel)
}

// RegisterDeviceRoutes registers the routes under /devices/:id
func (c *ModelController) RegisterDeviceRoutes(router *gin.RouterGroup) {
	router.PUT("/model", c.AssignModel)
	router.PUT("/edge-key", c.ChangeEdgeKey)
}

// AddDatapoint defines a datapoint on a model
// @Summary Add a datapoint
// @Description Creates the datapoint and an unknown-quality current value on every active device of the model
// @Tags models
// @Accept json
// @Produce json
// @Param id path int true "Model ID"
// @Param request body services.CreateDatapointRequest true "Datapoint"
// @Success 201 {object} services.DatapointChange "Created datapoint"
// @Failure 400 {object} utils.ValidationErrorResponse "Validation error"
// @Failure 404 {object} utils.ErrorResponse "Model not found"
// @Failure 409 {object} utils.ErrorResponse "Name taken"
// @Router /models/{id}/datapoints [post]
func (c *ModelController) AddDatapoint(ctx *gin.Context) {
	modelID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	var req services.CreateDatapointRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	change, err := c.modelService.AddDatapoint(ctx.Request.Context(), modelID, req)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusCreated, change)
}

// RemoveDatapoint deletes a datapoint and its current values
// @Summary Remove a datapoint
// @Tags models
// @Produce json
// @Param id path int true "Model ID"
// @Param dp path int true "Datapoint ID"
// @Success 200 {object} services.DatapointChange "Deleted current values"
// @Failure 404 {object} utils.ErrorResponse "Datapoint not found"
// @Router /models/{id}/datapoints/{dp} [delete]
func (c *ModelController) RemoveDatapoint(ctx *gin.Context) {
	modelID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	datapointID, err := pathID(ctx, "dp")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	change, err := c.modelService.RemoveDatapoint(ctx.Request.Context(), modelID, datapointID)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, change)
}

// SyncModel reconciles the current values of every device of a model
// @Summary Synchronize a model
// @Tags models
// @Produce json
// @Param id path int true "Model ID"
// @Success 200 {object} registry.SyncResult "Sync result"
// @Failure 404 {object} utils.ErrorResponse "Model not found"
// @Router /models/{id}/sync [post]
func (c *ModelController) SyncModel(ctx *gin.Context) {
	modelID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	result, err := c.modelService.SyncModel(ctx.Request.Context(), modelID)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// AssignModel moves a device to a model
// @Summary Change a device's model
// @Tags devices
// @Accept json
// @Produce json
// @Param id path int true "Device ID"
// @Param request body AssignModelRequest true "Model"
// @Success 200 {object} services.DatapointChange "Created placeholders"
// @Failure 404 {object} utils.ErrorResponse "Device or model not found"
// @Router /devices/{id}/model [put]
func (c *ModelController) AssignModel(ctx *gin.Context) {
	deviceID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	var req AssignModelRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	change, err := c.modelService.AssignModel(ctx.Request.Context(), deviceID, req.ModelID)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, change)
}

// ChangeEdgeKey renames a gateway-proxied device
// @Summary Change a device's edge key
// @Tags devices
// @Accept json
// @Produce json
// @Param id path int true "Device ID"
// @Param request body EdgeKeyRequest true "Edge key"
// @Success 200 {object} models.Device "Updated device"
// @Failure 400 {object} utils.ErrorResponse "Device is not behind a gateway"
// @Failure 409 {object} utils.ErrorResponse "Edge key taken"
// @Router /devices/{id}/edge-key [put]
func (c *ModelController) ChangeEdgeKey(ctx *gin.Context) {
	deviceID, err := pathID(ctx, "id")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	var req EdgeKeyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	device, err := c.modelService.ChangeEdgeKey(ctx.Request.Context(), deviceID, req.EdgeKey)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, device)
}
