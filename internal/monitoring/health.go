package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/storage"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck 单项探测结果
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthReport 一轮健康检查的汇总。整体状态取各项中最差的一项。
type HealthReport struct {
	Status      HealthStatus  `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	Uptime      time.Duration `json:"uptime"`
	Checks      []HealthCheck `json:"checks"`
	Version     string        `json:"version"`
	Environment string        `json:"environment"`
}

// probe 一项具名探测。返回状态与说明。
type probe struct {
	name string
	run  func() (HealthStatus, string)
}

// HealthChecker 聚合依赖探测（数据库、Redis、队列、运行时）。
type HealthChecker struct {
	store       storage.Store
	redisHealth func() error       // 可选，nil 表示未启用 Redis
	queueDepth  func() (int, bool) // 可选，返回队列可见消息数
	logger      *zap.Logger
	startTime   time.Time
	version     string
	env         string
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger, version, env string) *HealthChecker {
	return &HealthChecker{
		store:     store,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		env:       env,
	}
}

// WithRedis 挂接 Redis 健康探测
func (hc *HealthChecker) WithRedis(health func() error) *HealthChecker {
	hc.redisHealth = health
	return hc
}

// WithQueue 挂接队列积压探测
func (hc *HealthChecker) WithQueue(depth func() (int, bool)) *HealthChecker {
	hc.queueDepth = depth
	return hc
}

// CheckHealth 执行一轮全部探测并汇总
func (hc *HealthChecker) CheckHealth() *HealthReport {
	report := &HealthReport{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hc.startTime),
		Version:     hc.version,
		Environment: hc.env,
	}

	probes := []probe{
		{"database", hc.probeDatabase},
		{"redis", hc.probeRedis},
		{"queue", hc.probeQueue},
		{"runtime", hc.probeRuntime},
	}

	for _, p := range probes {
		start := time.Now()
		status, message := p.run()
		report.Checks = append(report.Checks, HealthCheck{
			Name:        p.name,
			Status:      status,
			Message:     message,
			Duration:    time.Since(start),
			LastChecked: start,
		})

		if status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
		} else if status == HealthStatusDegraded && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

// probeDatabase 数据库不可达视为整体不健康
func (hc *HealthChecker) probeDatabase() (HealthStatus, string) {
	if err := hc.store.Health(); err != nil {
		return HealthStatusUnhealthy, fmt.Sprintf("database connection failed: %v", err)
	}
	return HealthStatusHealthy, "database connection is healthy"
}

// probeRedis Redis 只承载限流计数，失联降级而非不健康
func (hc *HealthChecker) probeRedis() (HealthStatus, string) {
	if hc.redisHealth == nil {
		return HealthStatusDegraded, "redis not configured"
	}
	if err := hc.redisHealth(); err != nil {
		return HealthStatusDegraded, fmt.Sprintf("redis connection issue: %v", err)
	}
	return HealthStatusHealthy, "redis connection is healthy"
}

// probeQueue 队列属性读取失败说明轮询凭证或网络有问题
func (hc *HealthChecker) probeQueue() (HealthStatus, string) {
	if hc.queueDepth == nil {
		return HealthStatusDegraded, "queue not configured"
	}
	depth, ok := hc.queueDepth()
	if !ok {
		return HealthStatusDegraded, "queue attributes unavailable"
	}
	return HealthStatusHealthy, fmt.Sprintf("queue backlog: %d", depth)
}

// probeRuntime 检查进程自身的内存与 goroutine 规模
func (hc *HealthChecker) probeRuntime() (HealthStatus, string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024
	goroutines := runtime.NumGoroutine()

	if allocMB > 1024 {
		return HealthStatusDegraded, fmt.Sprintf("high memory usage: %.2f MB", allocMB)
	}
	if goroutines > 1000 {
		return HealthStatusDegraded, fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	return HealthStatusHealthy, fmt.Sprintf("alloc %.2f MB, %d goroutines", allocMB, goroutines)
}

// StartPeriodicHealthCheck 周期执行健康检查并按状态分级记录日志
func (hc *HealthChecker) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := hc.CheckHealth()
			fields := []zap.Field{
				zap.String("status", string(report.Status)),
				zap.Duration("uptime", report.Uptime),
			}
			switch report.Status {
			case HealthStatusUnhealthy:
				hc.logger.Error("System health check failed", fields...)
			case HealthStatusDegraded:
				hc.logger.Warn("System health check degraded", fields...)
			default:
				hc.logger.Debug("System health check passed", fields...)
			}
		}
	}
}
