package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/email"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/provider/ses"
	"relay/backend/internal/replies"
	"relay/backend/internal/storage"
)

// Dispatcher 出站邮件发送接口（§邮件分发的窄视图，便于测试替身）
type Dispatcher interface {
	SendRaw(ctx context.Context, source string, destinations []string, raw []byte) (string, error)
}

// ContentStore 收件内容存储接口
type ContentStore interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ForwardService 实现转发管道：改写头部与正文、外发、记账。
type ForwardService struct {
	store      storage.Store
	policy     *PolicyEngine
	dispatcher Dispatcher
	flags      FlagSource
	cfg        *config.Config
	metrics    *monitoring.Metrics
	events     *events.Emitter
	logger     *zap.Logger
}

// NewForwardService 创建转发服务
func NewForwardService(store storage.Store, policy *PolicyEngine, dispatcher Dispatcher,
	flags FlagSource, cfg *config.Config, metrics *monitoring.Metrics,
	emitter *events.Emitter, logger *zap.Logger) *ForwardService {
	return &ForwardService{
		store:      store,
		policy:     policy,
		dispatcher: dispatcher,
		flags:      flags,
		cfg:        cfg,
		metrics:    metrics,
		events:     emitter,
		logger:     logger,
	}
}

// Forward 把一封已通过策略裁决的入站邮件转发给掩码所有者。
//
// 副作用顺序固定：改写 → 外发 → 计数器 / 回复记录 / 用量。
// 所有数据库写入都发生在服务商确认发送之后（发送即提交屏障）。
func (s *ForwardService) Forward(ctx context.Context, res *Resolved, raw []byte, receivedAt time.Time) (*Outcome, *ProcessError) {
	mask := res.Mask
	profile := res.Profile

	var trackers *email.TrackerRewriter
	if profile.RemoveLevelOneTrackers && len(s.cfg.Relay.TrackerHosts) > 0 {
		trackers = email.NewTrackerRewriter(s.cfg.Relay.TrackerHosts, s.cfg.Relay.TrackerWarningURL)
	}

	fromAddress := ""
	if s.flags.Enabled(FlagCustomFromAddress, res.User.ID) {
		// 按用户配置的发件地址；当前配置来源只有服务级的一个值
		fromAddress = s.cfg.Relay.FromAddress
	}

	out, err := email.Forward(email.ForwardInput{
		Raw:          raw,
		MaskAddress:  mask.FullAddress(s.cfg.Relay.MaskDomain),
		UserEmail:    res.User.Email,
		ReplyAddress: s.cfg.ReplyAddress(),
		FromAddress:  fromAddress,
		Locale:       profile.Language,
		Trackers:     trackers,
		ReceivedAt:   receivedAt,
	})
	if err != nil {
		if errors.Is(err, email.ErrFromUnparseable) {
			return nil, NewProcessError(ReasonErrorFromHeader, http.StatusServiceUnavailable, true, err)
		}
		return nil, NewProcessError(ReasonErrorSending, http.StatusBadRequest, false, err)
	}

	if len(out.Issues) > 0 {
		s.logger.Warn("forwarding issues",
			zap.String("mask_id", mask.MetricsID()),
			zap.Strings("issues", out.Issues),
		)
	}

	destination, derr := punycodeAddress(res.User.Email)
	if derr != nil {
		return nil, NewProcessError(ReasonErrorSending, http.StatusBadRequest, false, derr)
	}

	if _, err := s.dispatcher.SendRaw(ctx, s.cfg.ReplyAddress(), []string{destination}, out.Raw); err != nil {
		return nil, sendError(err)
	}

	// 发送成功后才落库
	now := time.Now().UTC()
	s.recordReply(out, mask)

	if err := s.store.IncrementForwarded(mask, now, out.TrackersRemoved); err != nil {
		s.logger.Error("failed to increment forward counters", zap.Error(err))
	}
	engagement := now
	profile.LastEngagement = &engagement
	if err := s.store.SaveProfile(profile); err != nil {
		s.logger.Error("failed to update engagement", zap.Error(err))
	}
	if err := s.policy.RecordForwardUsage(res, int64(len(raw)), now); err != nil {
		s.logger.Error("failed to record forward usage", zap.Error(err))
	}

	if out.TrackersRemoved > 0 {
		s.metrics.RecordTrackersRemoved(out.TrackersRemoved)
	}
	s.metrics.RecordForwarded()
	s.events.EmailForwarded(res.MaskInfo(false), out.TrackersRemoved)

	return OutcomeOK("Sent email to final recipient."), nil
}

// recordReply 封存回复元数据。失败只记录：转发已经成功，
// 损失的只是这封邮件的可回复性。
func (s *ForwardService) recordReply(out *email.ForwardOutput, mask domain.Mask) {
	keys, err := replies.DeriveKeys(out.MessageID)
	if err != nil {
		s.logger.Error("failed to derive reply keys", zap.Error(err))
		return
	}

	meta := domain.ReplyMetadata{
		MessageID: out.OriginalMessageID,
		From:      out.OriginalFrom.Address,
		ReplyTo:   out.OriginalReplyTo,
	}
	sealed, err := replies.Seal(keys.Encryption, meta)
	if err != nil {
		s.logger.Error("failed to seal reply metadata", zap.Error(err))
		return
	}

	reply := &domain.Reply{
		Lookup:            keys.LookupKey(),
		EncryptedMetadata: sealed,
	}
	switch m := mask.(type) {
	case *domain.RelayAddress:
		reply.RelayAddressID = &m.ID
	case *domain.DomainAddress:
		reply.DomainAddressID = &m.ID
	}

	if err := s.store.SaveReply(reply); err != nil {
		s.logger.Error("failed to save reply record", zap.Error(err))
	}
}

// sendError 把服务商错误折算为处理错误
func sendError(err error) *ProcessError {
	var sendErr *ses.SendError
	if errors.As(err, &sendErr) && !sendErr.Retryable {
		return NewProcessError(ReasonErrorSending, http.StatusBadRequest, false, err)
	}
	return NewProcessError(ReasonErrorSending, http.StatusServiceUnavailable, true, err)
}

// punycodeAddress 把收件地址的域名部分编码为 IDNA ASCII 形式
func punycodeAddress(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, nil
	}
	encoded, err := idna.Lookup.ToASCII(address[at+1:])
	if err != nil {
		return "", err
	}
	return address[:at+1] + encoded, nil
}
