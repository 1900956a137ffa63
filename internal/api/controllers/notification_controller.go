package controllers

import (
	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NotificationController upgrades clients to the alarm event stream
type NotificationController struct {
	notifications *services.NotificationService
	logger        *utils.Logger
}

// NewNotificationController creates a new notification controller
func NewNotificationController(notifications *services.NotificationService, logger *utils.Logger) *NotificationController {
	return &NotificationController{
		notifications: notifications,
		logger:        logger.Named("notification_controller"),
	}
}

// RegisterRoutes registers the websocket route
func (c *NotificationController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/alarms", c.Stream)
}

// Stream upgrades to a websocket of alarm events. Repeat ?topic= to filter
// by alarms, device:<id> or site:<id>.
// @Summary Alarm event stream
// @Tags alarms
// @Param topic query []string false "Subscription topics" collectionFormat(multi)
// @Router /ws/alarms [get]
func (c *NotificationController) Stream(ctx *gin.Context) {
	if err := c.notifications.HandleWebSocket(ctx.Writer, ctx.Request); err != nil {
		// the upgrader has already written the error response
		c.logger.Warn("Websocket upgrade failed", zap.Error(err))
	}
}
