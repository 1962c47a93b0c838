package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/pi-signaling/config"
	"github.com/mossy-p/pi-signaling/internal/metrics"
	"github.com/mossy-p/pi-signaling/internal/middleware"
	"github.com/mossy-p/pi-signaling/internal/relay"
)

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Config     *config.Config
	Relay      *relay.Relay
	Metrics    *metrics.Metrics
	ICEServers []webrtc.ICEServer
	Logger     *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(d.Logger), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.Config.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", GetStatus(d.Relay))
		apiGroup.GET("/ice-servers", ICEServers(d.ICEServers))

		// Operator eviction exists only when tokens can be verified.
		if d.Config.JWTSecret != "" {
			apiGroup.DELETE("/slots/:role", middleware.JWTAuth(d.Config.JWTSecret), EvictSlot(d.Relay, d.Logger))
		} else {
			d.Logger.Warn("JWT_SECRET not set, slot eviction endpoint disabled")
		}
	}

	// Peers connect to either path; the robot's client uses the bare root.
	signal := HandleSignaling(d.Relay, d.Config.Relay, d.Logger)
	router.GET("/ws", signal)
	router.GET("/", signal)

	return router
}
