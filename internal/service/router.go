package service

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (svc *Service) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/readyz", func(c *gin.Context) { c.String(http.StatusOK, "ready") })
	router.GET("/livez", func(c *gin.Context) { c.String(http.StatusOK, "live") })

	api := router.Group("/api/v1")
	if svc.conf.AdminToken != "" {
		api.Use(bearerAuth(svc.conf.AdminToken))
	}

	api.POST("/generations", svc.createGeneration)
	api.GET("/generations", svc.listGenerations)
	api.GET("/generations/:id", svc.getGeneration)
	api.DELETE("/generations/:id", svc.deleteGeneration)
	api.GET("/generations/:id/image", svc.getGenerationImage)

	api.GET("/events", svc.serveEvents)

	api.GET("/models", svc.listModels)
	api.POST("/models/:name/download", svc.downloadModel)

	api.POST("/presets", svc.createPreset)
	api.GET("/presets", svc.listPresets)
	api.GET("/presets/:id", svc.getPreset)
	api.PUT("/presets/:id", svc.updatePreset)
	api.DELETE("/presets/:id", svc.deletePreset)

	api.POST("/token/validate", svc.validateToken)

	return router
}
