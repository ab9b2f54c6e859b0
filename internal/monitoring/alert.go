package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 一次告警通知。同一规则在恢复前最多发出一条 firing，恢复时发出一条 resolved。
type Alert struct {
	Rule       string     `json:"rule"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	FiredAt    time.Time  `json:"fired_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则。Condition 返回 true 表示异常状态持续。
type AlertRule struct {
	ID        string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 周期性评估规则，按规则维护 firing/resolved 状态。
type AlertManager struct {
	mu        sync.Mutex
	rules     []AlertRule
	firing    map[string]*Alert
	receivers []AlertReceiver
	logger    *zap.Logger
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		firing: make(map[string]*Alert),
		logger: logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// ActiveAlerts 返回当前处于 firing 状态的告警快照
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	out := make([]Alert, 0, len(am.firing))
	for _, a := range am.firing {
		out = append(out, *a)
	}
	return out
}

// CheckRules 评估所有规则一轮。状态翻转时通知接收器。
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		bad := rule.Condition()

		am.mu.Lock()
		active := am.firing[rule.ID]
		switch {
		case bad && active == nil:
			alert := &Alert{
				Rule:      rule.ID,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				FiredAt:   time.Now(),
			}
			am.firing[rule.ID] = alert
			am.mu.Unlock()
			am.dispatch(alert)
		case !bad && active != nil:
			now := time.Now()
			active.Resolved = true
			active.ResolvedAt = &now
			delete(am.firing, rule.ID)
			am.mu.Unlock()
			am.dispatch(active)
		default:
			am.mu.Unlock()
		}
	}
}

func (am *AlertManager) dispatch(alert *Alert) {
	am.mu.Lock()
	receivers := make([]AlertReceiver, len(am.receivers))
	copy(receivers, am.receivers)
	am.mu.Unlock()

	for _, r := range receivers {
		if err := r.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("rule", alert.Rule),
				zap.Error(err),
			)
		}
	}
}

// StartMonitoring 周期评估规则直到上下文取消
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// DatabaseConnectionRule 数据库不可达时触发
func DatabaseConnectionRule(store storage.Store) AlertRule {
	return AlertRule{
		ID:        "database_connection",
		Condition: func() bool { return store.Health() != nil },
		Level:     AlertLevelCritical,
		Component: "database",
		Message:   "Database connection failed",
	}
}

// QueueBacklogRule 队列积压超过阈值时触发。
//
// backlog 回调返回当前可见消息数；读取失败时返回 ok=false，不改变告警状态。
func QueueBacklogRule(backlog func() (int, bool), threshold int) AlertRule {
	var last bool
	return AlertRule{
		ID: "queue_backlog",
		Condition: func() bool {
			count, ok := backlog()
			if ok {
				last = count > threshold
			}
			return last
		},
		Level:     AlertLevelWarning,
		Component: "queue",
		Message:   fmt.Sprintf("Inbound queue backlog exceeds %d messages", threshold),
	}
}

// HighFailureRateRule 失败率超过阈值（百分比）时触发。
//
// stats 回调返回自启动以来的累计处理数与失败数。样本不足 100 条不评估。
func HighFailureRateRule(stats func() (total, failed int), threshold float64) AlertRule {
	return AlertRule{
		ID: "high_failure_rate",
		Condition: func() bool {
			total, failed := stats()
			if total < 100 {
				return false
			}
			return float64(failed)/float64(total)*100 > threshold
		},
		Level:     AlertLevelWarning,
		Component: "worker",
		Message:   fmt.Sprintf("Message failure rate exceeds %.1f%%", threshold),
	}
}

// LogAlertReceiver 把告警写进结构化日志
type LogAlertReceiver struct {
	logger *zap.Logger
}

func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("rule", alert.Rule),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Bool("resolved", alert.Resolved),
	}
	if alert.Level == AlertLevelCritical && !alert.Resolved {
		lar.logger.Error("ALERT", fields...)
	} else if alert.Resolved {
		lar.logger.Info("ALERT RESOLVED", fields...)
	} else {
		lar.logger.Warn("ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver 把告警 POST 到外部接收端（JSON 格式）
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
}

func NewWebhookAlertReceiver(url string) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (war *WebhookAlertReceiver) SendAlert(alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	resp, err := war.client.Post(war.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
