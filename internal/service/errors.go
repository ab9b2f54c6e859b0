package service

import (
	"fmt"
	"net/http"
)

// 丢弃与失败的原因标签。进入 email_dropped 日志与指标的 reason 维度，
// 对下游是稳定契约。
const (
	// 策略引擎
	ReasonDMARCRejectFailed = "dmarc_reject_failed"
	ReasonAutoBlockSpam     = "auto_block_spam"
	ReasonSoftBouncePause   = "soft_bounce_pause"
	ReasonHardBouncePause   = "hard_bounce_pause"
	ReasonUserDeactivated   = "user_deactivated"
	ReasonAbuseFlag         = "abuse_flag"
	ReasonBlockAll          = "block_all"
	ReasonBlockPromotional  = "block_promotional"

	// 地址解析未命中（同时作为解析指标的 kind）
	ReasonDeletedAddress         = "email_for_deleted_address"
	ReasonDeletedAddressMultiple = "email_for_deleted_address_multiple"
	ReasonUnknownAddress         = "email_for_unknown_address"
	ReasonNotSupportedDomain     = "email_for_not_supported_domain"
	ReasonDNESubdomain           = "email_for_dne_subdomain"

	// 回复管道
	ReasonReplyNoHeader        = "reply_no_in_reply_to_header"
	ReasonReplyRecordNotFound  = "reply_record_not_found"
	ReasonReplyRequiresPremium = "reply_requires_premium"

	// 基础设施
	ReasonInvalidNotification = "invalid_notification"
	ReasonErrorFromHeader     = "error_from_header"
	ReasonContentMissing      = "content_missing"
	ReasonErrorStorage        = "error_storage"
	ReasonErrorSending        = "error_sending"
)

// ProcessError 是处理管道的枚举化错误：携带原因标签、等价的
// HTTP 状态码与是否可重试。可重试的错误让消息留在队列上等待重投。
type ProcessError struct {
	Reason    string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NewProcessError 创建处理错误
func NewProcessError(reason string, status int, retryable bool, err error) *ProcessError {
	return &ProcessError{Reason: reason, Status: status, Retryable: retryable, Err: err}
}

// Outcome 一条消息处理完成后的结果，HTTP 路径与队列路径共用
type Outcome struct {
	Status int    // 等价的 HTTP 状态码
	Reason string // 非转发结局的原因标签，成功时为空
	Body   string // 响应正文（HTTP 路径）
}

// OutcomeOK 成功结局
func OutcomeOK(body string) *Outcome {
	return &Outcome{Status: http.StatusOK, Body: body}
}

// OutcomeDropped 按策略丢弃的结局（消息出队，不重投）
func OutcomeDropped(reason, body string) *Outcome {
	return &Outcome{Status: http.StatusOK, Reason: reason, Body: body}
}
