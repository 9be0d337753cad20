package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-3/rewardgate/service"
)

// RouterDeps are the services exposed over HTTP
type RouterDeps struct {
	Auth        *service.AuthService
	Settlements *service.SettlementService
	Sweeper     *service.Sweeper
	Limiter     *RateLimiter
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
	// InternalKey guards /internal; empty closes it
	InternalKey string
}

// SetupRouter sets up the Gin router
func SetupRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Logger != nil {
		router.Use(RequestLogger(deps.Logger))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	handlers := NewAuthHandlers(deps.Auth, deps.Limiter)
	requireSession := AuthMiddleware(deps.Auth)

	auth := router.Group("/auth")
	{
		wallet := auth.Group("/wallet")
		if deps.Limiter != nil {
			wallet.Use(deps.Limiter.Middleware())
		}
		wallet.POST("/nonce", handlers.Nonce)
		wallet.POST("/verify", handlers.Verify)

		auth.POST("/logout", requireSession, handlers.Logout)
		auth.GET("/me", requireSession, handlers.Me)
	}

	if deps.Settlements != nil {
		settlements := NewSettlementHandlers(deps.Settlements, deps.Sweeper)
		internal := router.Group("/internal/settlements")
		internal.Use(InternalKeyMiddleware(deps.InternalKey))
		{
			internal.POST("", settlements.Request)
			internal.POST("/sweep", settlements.Sweep)
			internal.GET("/:id", settlements.Get)
		}
	}

	return router
}
