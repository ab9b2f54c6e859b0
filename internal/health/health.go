package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"relay/backend/internal/storage"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health      healthcheck.Handler
	store       storage.Store
	redisHealth func() error
	logger      *zap.Logger
}

// NewHealthChecker 创建健康检查器。redisHealth 为 nil 时跳过 Redis 探测。
func NewHealthChecker(store storage.Store, redisHealth func() error, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:      healthcheck.NewHandler(),
		store:       store,
		redisHealth: redisHealth,
		logger:      logger,
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 数据库连接检查
	hc.health.AddReadinessCheck("database", func() error {
		return hc.store.Health()
	})

	// Redis 连接检查（如果启用）
	if hc.redisHealth != nil {
		hc.health.AddReadinessCheck("redis", hc.redisHealth)
	}

	// 存活探测不依赖外部组件
	hc.health.AddLivenessCheck("process", func() error {
		return nil
	})
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探测处理函数
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探测处理函数
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	// 检查数据库
	if err := hc.store.Health(); err != nil {
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	// 检查 Redis
	if hc.redisHealth == nil {
		results["redis"] = "NOT_AVAILABLE"
	} else if err := hc.redisHealth(); err != nil {
		results["redis"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["redis"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}

// DatabaseHealthCheck 数据库健康检查
func DatabaseHealthCheck(db *sql.DB) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return db.PingContext(ctx)
	}
}
