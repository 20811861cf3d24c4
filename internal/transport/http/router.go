package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	middleware "github.com/trustbridge/escrow-service/http"
	"github.com/trustbridge/escrow-service/internal/config"
	"github.com/trustbridge/escrow-service/internal/rates"
	"github.com/trustbridge/escrow-service/internal/service"
)

func NewRouter(svc *service.EscrowService, orch *service.PayoutOrchestrator, oracle rates.Oracle, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(middleware.RateLimitMiddleware(rl.RPS, rl.Burst))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterHandlers(r, svc, orch, oracle)
	return r
}
