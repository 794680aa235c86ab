package server

import (
	"net/http"

	"llmchat/internal/auth"
	"llmchat/internal/config"
	"llmchat/internal/metrics"
	"llmchat/internal/mw"
	"llmchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// ipLimit 是全局按 IP+路由的令牌桶；chatLimit 是 /chat 的滑动窗口限流器，在鉴权之前执行。
func SetupRouter(cfg config.Config, h *Handler, hub *ws.Hub, ipLimit *mw.RL, chatLimit mw.WindowLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.AccessLog())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.SecurityHeaders())
	r.Use(mw.CORS(cfg.Env))
	r.Use(ipLimit.Middleware())
	r.Use(mw.BodyLimit(cfg.MaxBodyBytes))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)

	requireSession := auth.AuthMiddleware(h.sessions)
	r.POST("/chat", mw.ChatRateLimit(chatLimit), requireSession, h.Chat)

	api := r.Group("/api")
	api.GET("/models", h.ListModels)
	api.GET("/health", h.Health)
	api.GET("/status", h.Status)

	authed := api.Group("")
	authed.Use(requireSession)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.DELETE("/conversations", h.ClearConversations)
	authed.GET("/profile", h.GetProfile)
	authed.PATCH("/profile", h.UpdateProfile)
	authed.PATCH("/password", h.ChangePassword)
	authed.DELETE("/account", h.DeleteAccount)

	r.GET("/ws", ws.Serve(hub, h.sessions))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "code": "NotFound"})
	})
	return r
}
