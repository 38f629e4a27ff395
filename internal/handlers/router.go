package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/federated-storage/storage-market/internal/middleware"
	"github.com/federated-storage/storage-market/internal/services"
	"github.com/federated-storage/storage-market/internal/storage"
)

// RouterConfig wires the HTTP API.
type RouterConfig struct {
	Store        storage.Store
	Orders       *services.OrderService
	Registry     *services.RegistryService
	Gatherer     prometheus.Gatherer
	JWTSecret    string
	MaxClockSkew time.Duration
	Now          func() time.Time
}

// NewRouter builds the market API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	router.GET("/health", func(c *gin.Context) {
		if err := cfg.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	orderHandler := NewOrderHandler(cfg.Orders)
	registryHandler := NewRegistryHandler(cfg.Registry)
	signed := middleware.PeerAuthMiddleware(cfg.MaxClockSkew, cfg.Now)

	api := router.Group("/api/v1")
	{
		orders := api.Group("/orders")
		{
			orders.GET("", orderHandler.ListOrders)
			orders.POST("", signed, orderHandler.PlaceOrder)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.GET("/:id/providers", orderHandler.ListProviders)
			orders.GET("/:id/providers/:peer", orderHandler.GetProvider)
			orders.GET("/:id/payouts", orderHandler.Payouts)
			orders.GET("/:id/journal", orderHandler.Journal)
			orders.GET("/:id/audit", orderHandler.Audit)

			orders.POST("/:id/register", signed, orderHandler.Register)
			orders.POST("/:id/proofs", signed, orderHandler.SubmitProof)
			orders.POST("/:id/unregister", signed, orderHandler.Unregister)
			orders.POST("/:id/claim", signed, orderHandler.Claim)
			orders.POST("/:id/recycle", signed, orderHandler.Recycle)
		}

		reg := api.Group("/registry")
		{
			reg.GET("", registryHandler.Get)

			admin := reg.Group("")
			admin.Use(middleware.JWTMiddleware(cfg.JWTSecret))
			admin.PUT("/params/:key", registryHandler.SetParam)
			admin.PUT("/treasury", registryHandler.UpdateTreasury)
			admin.PUT("/admin", registryHandler.UpdateAdmin)
			admin.POST("/whitelist/:peer", registryHandler.AddToWhitelist)
			admin.DELETE("/whitelist/:peer", registryHandler.RemoveFromWhitelist)
		}
	}

	return router
}
