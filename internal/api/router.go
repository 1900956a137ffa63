package api

import (
	"net/http"

	"github.com/digital-egiz/telemetry-core/internal/api/controllers"
	"github.com/digital-egiz/telemetry-core/internal/api/middleware"
	"github.com/digital-egiz/telemetry-core/internal/config"
	"github.com/digital-egiz/telemetry-core/internal/db"
	"github.com/digital-egiz/telemetry-core/internal/services"
	"github.com/digital-egiz/telemetry-core/internal/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// Router manages the API routes and controllers
type Router struct {
	engine          *gin.Engine
	logger          *utils.Logger
	config          *config.Config
	serviceProvider *services.ServiceProvider
	db              *db.Database
	apiV1           *gin.RouterGroup
}

// NewRouter creates a new Router instance with its routes registered
func NewRouter(
	logger *utils.Logger,
	config *config.Config,
	db *db.Database,
	serviceProvider *services.ServiceProvider,
) *Router {
	// Set Gin mode based on environment
	switch {
	case config.Server.IsProduction():
		gin.SetMode(gin.ReleaseMode)
	case config.Server.IsTest():
		gin.SetMode(gin.TestMode)
	}

	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.LoggingMiddleware(logger))
	if m := serviceProvider.GetMetrics(); m != nil {
		engine.Use(m.Middleware())
	}

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Origin", middleware.RequestIDHeader}
	corsConfig.ExposeHeaders = []string{middleware.RequestIDHeader}
	engine.Use(cors.New(corsConfig))

	r := &Router{
		engine:          engine,
		logger:          logger.Named("router"),
		config:          config,
		serviceProvider: serviceProvider,
		db:              db,
	}
	r.SetupRoutes()
	return r
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	r.engine.GET("/health", r.health)
	if m := r.serviceProvider.GetMetrics(); m != nil {
		r.engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// API version group - all main API routes are under /api/v1
	r.apiV1 = r.engine.Group("/api/v1")

	sp := r.serviceProvider
	ingestController := controllers.NewIngestController(sp.GetIngestionService(), r.config.Ingestion.RequestTimeout, r.logger)
	historyController := controllers.NewHistoryController(sp.GetHistoryService(), r.logger)
	alarmController := controllers.NewAlarmController(sp.GetAlarmService(), r.logger)
	modelController := controllers.NewModelController(sp.GetModelService(), r.logger)
	notificationController := controllers.NewNotificationController(sp.GetNotificationService(), r.logger)

	ingestController.RegisterRoutes(r.apiV1)
	alarmController.RegisterRoutes(r.apiV1.Group("/alarms"))
	modelController.RegisterRoutes(r.apiV1.Group("/models"))

	deviceRoutes := r.apiV1.Group("/devices/:id")
	historyController.RegisterRoutes(deviceRoutes.Group("/telemetry"))
	alarmController.RegisterDeviceRoutes(deviceRoutes)
	modelController.RegisterDeviceRoutes(deviceRoutes)

	notificationController.RegisterRoutes(r.engine.Group("/ws"))

	// Add Swagger documentation if not in production
	if !r.config.Server.IsProduction() {
		r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	r.logger.Info("API routes setup completed", zap.Int("routes", len(r.engine.Routes())))
}

// health reports whether the database answers
func (r *Router) health(c *gin.Context) {
	if r.db != nil {
		if err := r.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ServeHTTP makes the router an http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
