package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/llamachat/internal/httpapi/common"
	"github.com/suPer8Hu/llamachat/internal/httpapi/handlers"
	"github.com/suPer8Hu/llamachat/internal/httpapi/middleware"
	"go.uber.org/zap"
)

func NewRouter(h *handlers.Handler, jwtSecret string, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))

	r.GET("/ping", h.Ping)
	r.GET("/ready", h.Ready)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	authGroup.GET("/conversations", h.ListConversations)
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations/:id", h.GetConversation)
	authGroup.PATCH("/conversations/:id", h.RenameConversation)
	authGroup.DELETE("/conversations/:id", h.DeleteConversation)

	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.POST("/conversations/:id/messages/stream", h.SendMessageStream)
	authGroup.POST("/conversations/:id/messages/async", h.SendMessageAsync)
	authGroup.DELETE("/conversations/:id/turn", h.CancelTurn)

	authGroup.GET("/jobs/:id", h.GetJob)

	authGroup.GET("/settings", h.GetSettings)
	authGroup.PUT("/settings", h.UpdateSettings)
	return r
}
