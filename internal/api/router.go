package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/faceid/internal/api/handlers"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/auth"
	"github.com/your-org/faceid/internal/flow"
	"github.com/your-org/faceid/internal/lockout"
	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/storage"
)

type RouterConfig struct {
	APIKey   string
	DB       *storage.Store
	Models   *storage.ModelStore
	Limiter  *lockout.Limiter
	Producer *queue.Producer
	Flows    *flow.Manager
	Backend  match.Backend
	Hub      *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.Models, cfg.Limiter, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Flows
	sessionH := handlers.NewSessionHandler(cfg.Flows)
	v1.POST("/face/enroll", sessionH.Enroll)
	v1.POST("/face/verify", sessionH.Verify)
	v1.GET("/face/sessions/:id", sessionH.Get)
	v1.POST("/face/sessions/:id/confirm", sessionH.Confirm)
	v1.POST("/face/sessions/:id/cancel", sessionH.Cancel)

	// Enrollments
	enrollH := handlers.NewEnrollmentHandler(cfg.DB, cfg.Backend)
	v1.GET("/face/enrollments/:userId", enrollH.Get)
	v1.DELETE("/face/enrollments/:userId", enrollH.Delete)

	return r
}
