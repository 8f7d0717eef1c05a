// Package api assembles the HTTP surface: auth, fleet and queue
// management, ad-hoc dispatch, and the relay's state/command endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/api/handlers"
	"github.com/wreuel/bambuddy-sub000/internal/api/middleware"
	"github.com/wreuel/bambuddy-sub000/internal/core"
	"github.com/wreuel/bambuddy-sub000/internal/db"
	"github.com/wreuel/bambuddy-sub000/internal/devicestate"
	"github.com/wreuel/bambuddy-sub000/internal/library"
)

type Deps struct {
	Store    *db.Store
	Tracker  *devicestate.Tracker
	Dispatch *core.DispatchQueue
	Storage  *library.Storage
}

// NewRouter builds the gin engine. Everything under /api/v1 except the
// auth endpoints requires a valid session token.
func NewRouter(deps Deps) (*gin.Engine, error) {
	auth, err := middleware.NewAuthMiddleware(deps.Store)
	if err != nil {
		return nil, err
	}

	printers := handlers.NewPrinterHandler(deps.Store, deps.Tracker, deps.Tracker)
	queue := handlers.NewQueueHandler(deps.Store)
	dispatch := handlers.NewDispatchHandler(deps.Dispatch)
	webhooks := handlers.NewWebhookHandler(deps.Store)
	libraryHandler := handlers.NewLibraryHandler(deps.Store, deps.Storage)
	state := handlers.NewStateHandler(deps.Tracker)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/api/v1/auth")
	{
		authGroup.POST("/setup", auth.SetupHandler)
		authGroup.POST("/login", auth.LoginHandler)
		authGroup.POST("/logout", auth.LogoutHandler)
		authGroup.GET("/status", auth.StatusHandler)
		authGroup.POST("/password", auth.RequireAuth(), auth.ChangePasswordHandler)
	}

	v1 := router.Group("/api/v1", auth.RequireAuth())
	{
		v1.GET("/printers", printers.ListPrinters)
		v1.POST("/printers", printers.CreatePrinter)
		v1.GET("/printers/:id", printers.GetPrinter)
		v1.PUT("/printers/:id", printers.UpdatePrinter)
		v1.DELETE("/printers/:id", printers.DeletePrinter)
		v1.GET("/printers/:id/status", printers.GetPrinterStatus)
		v1.POST("/printers/:id/power/on", printers.PowerOn)
		v1.POST("/printers/:id/power/off", printers.PowerOff)

		// Relay endpoints: telemetry in, device commands out.
		v1.POST("/printers/:id/state", state.IngestState)
		v1.POST("/printers/:id/offline", state.MarkOffline)
		v1.GET("/printers/:id/commands", state.DrainCommands)

		v1.POST("/queue", queue.CreateEntry)
		v1.GET("/queue", queue.ListEntries)
		v1.GET("/queue/stats", queue.GetStats)
		v1.GET("/queue/:id", queue.GetEntry)
		v1.PUT("/queue/:id/position", queue.UpdatePosition)
		v1.POST("/queue/:id/cancel", queue.CancelEntry)

		v1.POST("/dispatch", dispatch.Enqueue)
		v1.GET("/dispatch/progress", dispatch.GetProgress)
		v1.GET("/dispatch/:id", dispatch.GetJob)
		v1.POST("/dispatch/:id/cancel", dispatch.Cancel)

		v1.GET("/library", libraryHandler.ListFiles)
		v1.POST("/library", libraryHandler.UploadFile)
		v1.DELETE("/library/:id", libraryHandler.DeleteFile)
		v1.GET("/archives", libraryHandler.ListArchives)

		v1.GET("/webhooks", webhooks.ListWebhooks)
		v1.POST("/webhooks", webhooks.CreateWebhook)
		v1.DELETE("/webhooks/:id", webhooks.DeleteWebhook)
	}

	return router, nil
}
