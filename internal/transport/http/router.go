package httptransport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/health"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Processor *service.Processor
	Health    *health.HealthChecker
	Monitor   *monitoring.HealthChecker
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(recoveryHandler(deps.Logger, deps.Metrics))
	router.Use(requestLogger(deps.Logger, deps.Metrics))

	// 入站通知端点：SNS HTTPS 订阅直接推送到这里，
	// 与队列 worker 走同一条处理管道
	handler := NewInboundHandler(deps.Processor, deps.Config, deps.Logger)
	router.POST("/emails/sns-inbound", handler.HandleInbound)

	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Monitor != nil {
		// 带各子系统细节的完整健康报告，供运维排查
		router.GET("/health", func(c *gin.Context) {
			report := deps.Monitor.CheckHealth()
			status := http.StatusOK
			if report.Status == monitoring.HealthStatusUnhealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
	}

	return router
}

// recoveryHandler 捕获处理过程中的 panic 并返回 500
func recoveryHandler(logger *zap.Logger, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				metrics.RecordPanic()
				logger.Error("panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("panic", fmt.Sprintf("%v", r)),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// requestLogger 记录每个请求的方法、路径、状态与耗时
func requestLogger(logger *zap.Logger, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(status), duration)

		if c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	}
}
