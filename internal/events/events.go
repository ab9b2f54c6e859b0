// Package events 以结构化日志的方式上报产品事件。
// 事件流水线从日志管道摄取，字段名对下游是稳定契约，不可随意改名。
package events

import (
	"go.uber.org/zap"
)

// MaskInfo 事件中描述掩码的公共字段。
// FxaID 为空表示用户关闭了带身份的指标上报，字段整体省略。
type MaskInfo struct {
	FxaID        string
	MaskID       string // 不含 PII 的掩码标识（"R<id>" / "D<id>"）
	IsRandomMask bool
	IsReply      bool
}

// Emitter 产品事件发射器
type Emitter struct {
	logger *zap.Logger
}

// NewEmitter 创建事件发射器
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{logger: logger.Named("events")}
}

func (e *Emitter) maskFields(info MaskInfo) []zap.Field {
	fields := []zap.Field{
		zap.String("mask_id", info.MaskID),
		zap.Bool("is_random_mask", info.IsRandomMask),
		zap.Bool("is_reply", info.IsReply),
	}
	if info.FxaID != "" {
		fields = append(fields, zap.String("fxa_id", info.FxaID))
	}
	return fields
}

// EmailForwarded 一封邮件被成功转发（或作为回复被成功送出）
func (e *Emitter) EmailForwarded(info MaskInfo, trackersRemoved int) {
	fields := e.maskFields(info)
	fields = append(fields, zap.Int("trackers_removed", trackersRemoved))
	e.logger.Info("email_forwarded", fields...)
}

// EmailBlocked 一封邮件被策略拦截
func (e *Emitter) EmailBlocked(info MaskInfo, reason string) {
	fields := e.maskFields(info)
	fields = append(fields, zap.String("reason", reason))
	e.logger.Info("email_blocked", fields...)
}

// EmailMaskCreated 一个掩码在投递路径上被按需创建
func (e *Emitter) EmailMaskCreated(info MaskInfo, createdByAPI, hasWebsite bool) {
	fields := e.maskFields(info)
	fields = append(fields,
		zap.Bool("created_by_api", createdByAPI),
		zap.Bool("has_website", hasWebsite),
	)
	e.logger.Info("email_mask_created", fields...)
}
