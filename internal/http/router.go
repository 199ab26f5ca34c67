package httpapi

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/smart-pokhara/backend/internal/config"
	"github.com/smart-pokhara/backend/internal/http/handlers"
	"github.com/smart-pokhara/backend/internal/http/middleware"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/workflow"

	_ "github.com/smart-pokhara/backend/docs"
)

func Router(cfg config.Config, h *handlers.Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id", middleware.UserIDHeader, middleware.UserRoleHeader},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = strings.Split(cfg.CORSAllowed, ",")
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	managers := middleware.RequireRole(models.RoleSupervisor, models.RoleAdmin)

	api := r.Group("/api")
	api.Use(middleware.Auth(cfg.AuthJWTSecret))
	{
		api.POST("/complaints", middleware.RequireRole(models.RoleCitizen, models.RoleAdmin), h.CreateComplaint)
		api.GET("/complaints", h.ListComplaints)
		api.GET("/complaints/:id", h.ComplaintDetails)
		api.GET("/complaints/:id/candidates", managers, h.Candidates)
		api.POST("/complaints/:id/auto-assign", managers, h.AutoAssign)
		api.POST("/complaints/:id/assign", managers, h.Assign)
		api.POST("/complaints/:id/start", h.Transition(workflow.ActionStart))
		api.POST("/complaints/:id/resolve", h.Transition(workflow.ActionResolve))
		api.POST("/complaints/:id/review", managers, h.Review)
		api.POST("/complaints/:id/reopen", h.Transition(workflow.ActionReopen))
		api.POST("/complaints/:id/escalate", managers, h.Transition(workflow.ActionEscalate))
		api.POST("/complaints/:id/extensions", h.RequestExtension)

		api.GET("/sla/preview", h.SLAPreview)

		api.GET("/staff", managers, h.ListStaff)
		api.POST("/staff/import", middleware.RequireRole(models.RoleAdmin), h.ImportStaff)
		api.POST("/staff/heartbeat", middleware.RequireRole(models.RoleStaff, models.RoleSupervisor), h.Heartbeat)
	}

	return r
}
