package service

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

// Decision 策略引擎的裁决
type Decision int

const (
	// DecisionForward 放行转发
	DecisionForward Decision = iota
	// DecisionDrop 静默丢弃（对上游返回 200，消息出队）
	DecisionDrop
	// DecisionReject 拒绝（对上游返回 4xx，消息出队）
	DecisionReject
)

// PolicyResult 裁决结果
type PolicyResult struct {
	Decision     Decision
	Reason       string
	Status       int
	Body         string // 响应正文
	CountBlocked bool   // 是否累加掩码的 num_blocked
}

var resultForward = &PolicyResult{Decision: DecisionForward, Status: http.StatusOK}

// PolicyEngine 在掩码、档案与收信判定之上做转发裁决。
type PolicyEngine struct {
	store  storage.Store
	limits storage.RateLimitRepository
	cfg    *config.Config
	logger *zap.Logger
}

// NewPolicyEngine 创建策略引擎。limits 为 nil 时跳过滥用上限检查。
func NewPolicyEngine(store storage.Store, limits storage.RateLimitRepository,
	cfg *config.Config, logger *zap.Logger) *PolicyEngine {
	return &PolicyEngine{store: store, limits: limits, cfg: cfg, logger: logger}
}

// CheckDMARC DMARC 对齐失败且发布者策略为 reject 时拒绝。
// 这项检查先于正文取回执行，返回 nil 表示通过。
func (p *PolicyEngine) CheckDMARC(receipt *domain.SESReceipt) *PolicyResult {
	if receipt.DMARCRejectFailed() {
		return &PolicyResult{
			Decision: DecisionReject,
			Reason:   ReasonDMARCRejectFailed,
			Status:   http.StatusBadRequest,
			Body:     "DMARC failure, policy is reject",
		}
	}
	return nil
}

// Evaluate 按固定顺序执行裁决表，第一条命中即返回。
//
// isListEmail 表示消息带有 List-Unsubscribe 头部（营销/列表邮件）。
// 退信暂停窗口的锚点过期时在首次读取处清除（自愈）。
func (p *PolicyEngine) Evaluate(res *Resolved, receipt *domain.SESReceipt, isListEmail bool, now time.Time) (*PolicyResult, error) {
	if r := p.CheckDMARC(receipt); r != nil {
		return r, nil
	}

	profile := res.Profile
	user := res.User
	mask := res.Mask

	if profile.AutoBlockSpam && receipt.SpamFailed() {
		return &PolicyResult{
			Decision: DecisionDrop,
			Reason:   ReasonAutoBlockSpam,
			Status:   http.StatusOK,
			Body:     "Address rejects spam.",
		}, nil
	}

	if paused, reason, err := p.bouncePause(profile, now); err != nil {
		return nil, err
	} else if paused {
		return &PolicyResult{
			Decision: DecisionDrop,
			Reason:   reason,
			Status:   http.StatusOK,
			Body:     "Address is temporarily disabled.",
		}, nil
	}

	if !user.IsActive {
		return &PolicyResult{
			Decision: DecisionDrop,
			Reason:   ReasonUserDeactivated,
			Status:   http.StatusOK,
			Body:     "Account is deactivated.",
		}, nil
	}

	if p.accountFlagged(profile, now) {
		return &PolicyResult{
			Decision: DecisionDrop,
			Reason:   ReasonAbuseFlag,
			Status:   http.StatusOK,
			Body:     "Address is temporarily disabled.",
		}, nil
	}

	if !mask.IsEnabled() {
		return &PolicyResult{
			Decision:     DecisionDrop,
			Reason:       ReasonBlockAll,
			Status:       http.StatusOK,
			Body:         "Address is disabled.",
			CountBlocked: true,
		}, nil
	}

	// 曾经的付费用户降级后 block_list_emails 可能仍为 true，
	// 恢复付费前忽略该开关。
	if mask.BlocksList() && isListEmail && user.HasPremium() {
		return &PolicyResult{
			Decision:     DecisionDrop,
			Reason:       ReasonBlockPromotional,
			Status:       http.StatusOK,
			Body:         "Address rejects list emails.",
			CountBlocked: true,
		}, nil
	}

	return resultForward, nil
}

// bouncePause 判断退信暂停窗口，过期锚点顺手清除
func (p *PolicyEngine) bouncePause(profile *domain.Profile, now time.Time) (bool, string, error) {
	if profile.SoftBounceActive(now, p.cfg.Relay.SoftBounceAllowedDays) {
		return true, ReasonSoftBouncePause, nil
	}
	if profile.HardBounceActive(now, p.cfg.Relay.HardBounceAllowedDays) {
		return true, ReasonHardBouncePause, nil
	}

	// 自愈：锚点已过期则清除
	if profile.LastSoftBounce != nil || profile.LastHardBounce != nil {
		profile.LastSoftBounce = nil
		profile.LastHardBounce = nil
		if err := p.store.SaveProfile(profile); err != nil {
			return false, "", fmt.Errorf("failed to clear expired bounce anchors: %w", err)
		}
	}
	return false, "", nil
}

// accountFlagged 账号被滥用标记且仍在冷却期内
func (p *PolicyEngine) accountFlagged(profile *domain.Profile, now time.Time) bool {
	if profile.LastAccountFlagged == nil {
		return false
	}
	cooldown := time.Duration(p.cfg.Relay.HardBounceAllowedDays) * 24 * time.Hour
	return now.Sub(*profile.LastAccountFlagged) < cooldown
}

// RecordForwardUsage 在一次成功转发后累加滚动日用量，越限即打滥用标记。
// 检查发生在转发之后而非之前：上限用来止血，不保证精确截断。
func (p *PolicyEngine) RecordForwardUsage(res *Resolved, messageBytes int64, now time.Time) error {
	if p.limits == nil {
		return nil
	}

	userID := res.User.ID
	window := 24 * time.Hour

	count, err := p.limits.IncrementDailyCounter("relay:forwarded_count:"+userID, 1, window)
	if err != nil {
		return fmt.Errorf("failed to increment forwarded count: %w", err)
	}
	bytes, err := p.limits.IncrementDailyCounter("relay:forwarded_bytes:"+userID, messageBytes, window)
	if err != nil {
		return fmt.Errorf("failed to increment forwarded bytes: %w", err)
	}

	overCount := p.cfg.Relay.MaxForwardedPerDay > 0 && count > p.cfg.Relay.MaxForwardedPerDay
	overBytes := p.cfg.Relay.MaxForwardedSizePerDay > 0 && bytes > p.cfg.Relay.MaxForwardedSizePerDay
	if !overCount && !overBytes {
		return nil
	}

	flagged := now
	res.Profile.LastAccountFlagged = &flagged
	if err := p.store.SaveProfile(res.Profile); err != nil {
		return fmt.Errorf("failed to flag account: %w", err)
	}

	p.logger.Warn("account flagged for exceeding forward limits",
		zap.Int64("forwarded_count", count),
		zap.Int64("forwarded_bytes", bytes),
		zap.Bool("over_count", overCount),
		zap.Bool("over_bytes", overBytes),
	)
	return nil
}
