package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/email"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/provider/s3"
	"relay/backend/internal/sns"
)

// Processor 是单条通知的处理入口：验签、分类、按变体分发到
// 转发 / 回复 / 退信投诉管道。队列 worker 与 HTTP 端点共用。
type Processor struct {
	verifier  *sns.Verifier
	content   ContentStore
	resolver  *ResolverService
	policy    *PolicyEngine
	forwarder *ForwardService
	replies   *ReplyService
	sink      *SinkService
	cfg       *config.Config
	metrics   *monitoring.Metrics
	events    *events.Emitter
	logger    *zap.Logger
}

// NewProcessor 创建通知处理器
func NewProcessor(verifier *sns.Verifier, content ContentStore, resolver *ResolverService,
	policy *PolicyEngine, forwarder *ForwardService, replySvc *ReplyService, sink *SinkService,
	cfg *config.Config, metrics *monitoring.Metrics, emitter *events.Emitter, logger *zap.Logger) *Processor {
	return &Processor{
		verifier:  verifier,
		content:   content,
		resolver:  resolver,
		policy:    policy,
		forwarder: forwarder,
		replies:   replySvc,
		sink:      sink,
		cfg:       cfg,
		metrics:   metrics,
		events:    emitter,
		logger:    logger,
	}
}

// Process 处理一条原始 SNS 通知。返回的 ProcessError 标记了是否可
// 重试：可重试时调用方应让消息留在队列上等待重投。
func (p *Processor) Process(ctx context.Context, raw []byte) (*Outcome, *ProcessError) {
	classified, err := p.verifier.VerifyAndClassify(raw)
	if err != nil {
		p.metrics.RecordDropped(ReasonInvalidNotification)
		return nil, NewProcessError(ReasonInvalidNotification, http.StatusBadRequest, false, err)
	}

	now := time.Now().UTC()
	switch classified.Kind {
	case sns.KindSubscriptionConfirmation:
		// 订阅确认只落日志，由运维人工完成确认
		p.logger.Info("subscription confirmation received",
			zap.String("topic_arn", classified.Envelope.TopicArn),
			zap.String("subscribe_url", classified.Envelope.SubscribeURL),
		)
		return OutcomeOK("Logged SubscribeURL"), nil
	case sns.KindDelivery, sns.KindEvent:
		return OutcomeOK("OK"), nil
	case sns.KindBounce:
		return p.sink.HandleBounce(ctx, classified.Message, now)
	case sns.KindComplaint:
		return p.sink.HandleComplaint(ctx, classified.Message, now)
	case sns.KindReceived:
		return p.handleReceived(ctx, classified.Message, now)
	}
	return nil, NewProcessError(ReasonInvalidNotification, http.StatusBadRequest, false,
		errors.New("unhandled notification kind"))
}

func (p *Processor) handleReceived(ctx context.Context, msg *domain.SESMessage, now time.Time) (*Outcome, *ProcessError) {
	receipt := msg.Receipt
	if receipt == nil || msg.Mail == nil {
		return nil, NewProcessError(ReasonInvalidNotification, http.StatusBadRequest, false,
			errors.New("received notification without mail or receipt"))
	}

	// DMARC 拒绝不需要正文，先裁决可以省掉一次存储读取
	if result := p.policy.CheckDMARC(receipt); result != nil {
		p.metrics.RecordDropped(result.Reason)
		p.deleteContent(ctx, receipt)
		return outcomeFromPolicy(result), nil
	}

	content, perr := p.fetchContent(ctx, msg)
	if perr != nil {
		return nil, perr
	}

	headerBlock, _ := email.SplitMessage(content)
	isListEmail := email.ParseHeaders(headerBlock).Has("List-Unsubscribe")
	receivedAt := receiptTime(receipt, now)

	recipients := receipt.Recipients
	if len(recipients) == 0 {
		recipients = msg.Mail.Destination
	}
	if len(recipients) == 0 {
		return nil, NewProcessError(ReasonInvalidNotification, http.StatusBadRequest, false,
			errors.New("notification names no recipients"))
	}

	var outcome *Outcome
	for _, recipient := range recipients {
		res, perr := p.resolver.Resolve(recipient, true)
		if perr != nil {
			if perr.Retryable {
				return nil, perr
			}
			outcome = &Outcome{Status: perr.Status, Reason: perr.Reason, Body: perr.Error()}
			continue
		}

		switch res.Kind {
		case RouteNoReply:
			p.metrics.RecordDropped("noreply")
			outcome = OutcomeDropped("noreply", "noreply address is not supported.")
		case RouteReply:
			replyOutcome, perr := p.replies.HandleReply(ctx, content, now)
			if perr != nil {
				if perr.Retryable {
					return nil, perr
				}
				outcome = &Outcome{Status: perr.Status, Reason: perr.Reason, Body: perr.Error()}
				continue
			}
			outcome = replyOutcome
		case RouteMask:
			maskOutcome, perr := p.handleMask(ctx, res, receipt, content, isListEmail, receivedAt, now)
			if perr != nil {
				if perr.Retryable {
					return nil, perr
				}
				outcome = &Outcome{Status: perr.Status, Reason: perr.Reason, Body: perr.Error()}
				continue
			}
			outcome = maskOutcome
		}
	}

	p.deleteContent(ctx, receipt)
	return outcome, nil
}

func (p *Processor) handleMask(ctx context.Context, res *Resolved, receipt *domain.SESReceipt,
	content []byte, isListEmail bool, receivedAt, now time.Time) (*Outcome, *ProcessError) {
	result, err := p.policy.Evaluate(res, receipt, isListEmail, now)
	if err != nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}

	if result.Decision != DecisionForward {
		p.metrics.RecordDropped(result.Reason)
		p.events.EmailBlocked(res.MaskInfo(false), result.Reason)
		if result.CountBlocked {
			p.metrics.RecordBlocked(result.Reason)
			if err := p.resolver.store.IncrementBlocked(res.Mask); err != nil {
				p.logger.Error("failed to increment blocked counter", zap.Error(err))
			}
		}
		fields := []zap.Field{
			zap.String("reason", result.Reason),
			zap.String("mask_id", res.Mask.MetricsID()),
			zap.Bool("is_random_mask", res.Mask.IsRandom()),
			zap.Bool("is_reply", false),
			zap.Bool("can_retry", false),
		}
		if res.User.MetricsEnabled {
			fields = append(fields, zap.String("fxa_id", res.User.FxaID))
		}
		p.logger.Info("email_dropped", fields...)
		return outcomeFromPolicy(result), nil
	}

	return p.forwarder.Forward(ctx, res, content, receivedAt)
}

// fetchContent 取出邮件正文：优先通知内联，否则从对象存储读取
func (p *Processor) fetchContent(ctx context.Context, msg *domain.SESMessage) ([]byte, *ProcessError) {
	if msg.Content != "" {
		if msg.Receipt.Action != nil && msg.Receipt.Action.Encoding == "BASE64" {
			decoded, err := base64.StdEncoding.DecodeString(msg.Content)
			if err != nil {
				return nil, NewProcessError(ReasonInvalidNotification, http.StatusBadRequest, false, err)
			}
			return decoded, nil
		}
		return []byte(msg.Content), nil
	}

	action := msg.Receipt.Action
	if action == nil || action.BucketName == "" || action.ObjectKey == "" {
		return nil, NewProcessError(ReasonContentMissing, http.StatusNotFound, false,
			errors.New("notification carries neither content nor object location"))
	}
	content, err := p.content.Fetch(ctx, action.BucketName, action.ObjectKey)
	if err != nil {
		if errors.Is(err, s3.ErrContentMissing) {
			p.metrics.RecordDropped(ReasonContentMissing)
			return nil, NewProcessError(ReasonContentMissing, http.StatusNotFound, false, err)
		}
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}
	return content, nil
}

// deleteContent 在终局结局后清理对象存储的正文，失败只记日志
func (p *Processor) deleteContent(ctx context.Context, receipt *domain.SESReceipt) {
	action := receipt.Action
	if action == nil || action.BucketName == "" || action.ObjectKey == "" {
		return
	}
	if err := p.content.Delete(ctx, action.BucketName, action.ObjectKey); err != nil {
		p.logger.Error("failed to delete stored content",
			zap.String("object_key", action.ObjectKey),
			zap.Error(err),
		)
	}
}

// outcomeFromPolicy 由策略裁决生成结局
func outcomeFromPolicy(result *PolicyResult) *Outcome {
	return &Outcome{Status: result.Status, Reason: result.Reason, Body: result.Body}
}

func receiptTime(receipt *domain.SESReceipt, fallback time.Time) time.Time {
	if receipt.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, receipt.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
