package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/gateway"
	"github.com/sitedoc/sitedoc/internal/locks"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/store"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Store    *store.Store
	Machine  *pipeline.StateMachine
	Vault    *secrets.Vault
	Locks    locks.Service
	WS       *gateway.Handler
	Auth     config.AuthConfig
	Callback config.CallbackConfig
	Logger   *logger.Logger
}

// SetupRoutes configures the API routes.
func SetupRoutes(router *gin.Engine, deps Deps) {
	handler := NewHandler(deps.Store, deps.Machine, deps.Logger)
	internal := NewInternalHandler(deps.Store, deps.Machine, deps.Vault, deps.Locks, deps.Logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sitedoc"})
	})

	// Websocket auth rides in the query string, not the Authorization
	// header, so the stream sits outside the customer middleware.
	if deps.WS != nil {
		router.GET("/ws/issues/:id", deps.WS.HandleIssueStream)
	}

	api := router.Group("/api/v1", CustomerAuth(deps.Auth.JWTSecret))
	issues := api.Group("/issues")
	{
		issues.POST("", handler.CreateIssue)
		issues.GET("", handler.ListIssues)
		issues.GET("/:id", handler.GetIssue)

		issues.POST("/:id/transition", handler.TransitionIssue)
		issues.POST("/:id/approve-and-start", handler.ApproveAndStart)
		issues.POST("/:id/uat-reject", handler.UATReject)
		issues.GET("/:id/transitions", handler.ListTransitions)

		issues.GET("/:id/messages", handler.ListMessages)
		issues.POST("/:id/messages", handler.PostMessage)
	}

	// Mounted at the path the callback instructions hand to spawned
	// agents: {public base}/internal/agent-result.
	internalGroup := router.Group("/internal", InternalAuth(deps.Callback.InternalToken))
	{
		internalGroup.POST("/agent-result", internal.AgentResult)
		internalGroup.POST("/save-credential", internal.SaveCredential)
	}
}
