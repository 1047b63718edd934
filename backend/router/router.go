package router

import (
	"fleetd/backend/app/controllers"
	"fleetd/backend/app/middleware"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Controllers struct {
	HTTP        *controllers.HTTPController
	Devices     *controllers.DeviceController
	Payloads    *controllers.PayloadController
	Deployments *controllers.DeploymentController
	Socket      *controllers.SocketController
}

func NewRouter(ctl Controllers, mw *middleware.Auth, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logging(log))

	// public
	r.GET("/health", ctl.HTTP.Health)
	r.GET("/ws", ctl.Socket.Serve)

	api := r.Group("/api", mw.RequireAuth())

	devices := api.Group("/devices")
	devices.POST("", ctl.Devices.Register)
	devices.GET("", ctl.Devices.List)
	devices.GET("/:id", ctl.Devices.Get)
	devices.DELETE("/:id", ctl.Devices.Delete)
	devices.POST("/:id/check", ctl.Devices.Check)
	devices.POST("/:id/status", ctl.Devices.Report)
	devices.GET("/:id/deployments", ctl.Devices.ListDeployments)

	payloads := api.Group("/payloads")
	payloads.POST("", ctl.Payloads.Create)
	payloads.GET("/:id", ctl.Payloads.Get)

	deployments := api.Group("/deployments")
	deployments.POST("", ctl.Deployments.Create)
	deployments.GET("/:id", ctl.Deployments.Get)
	deployments.POST("/:id/result", ctl.Deployments.ReportResult)

	api.GET("/pool/stats", ctl.HTTP.PoolStats)

	return r
}
