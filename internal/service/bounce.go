package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/storage"
)

// SinkService 消化退信与投诉通知并更新用户档案的健康状态。
//
// 这里的原则是尽量消化：单个收件人查不到、档案写失败都只记日志，
// 不让整条通知重试。通知是服务商推送的事实，重放不会更正。
type SinkService struct {
	store    storage.Store
	resolver *ResolverService
	notifier *Notifier
	flags    FlagSource
	cfg      *config.Config
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewSinkService 创建退信/投诉处理器
func NewSinkService(store storage.Store, resolver *ResolverService, notifier *Notifier,
	flags FlagSource, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) *SinkService {
	return &SinkService{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		flags:    flags,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleBounce 处理一条退信通知
func (s *SinkService) HandleBounce(ctx context.Context, msg *domain.SESMessage, now time.Time) (*Outcome, *ProcessError) {
	if msg.Bounce == nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusBadRequest, false,
			errors.New("bounce notification without bounce block"))
	}
	bounce := msg.Bounce
	action := bounce.RelayAction()
	s.metrics.RecordBounce(string(action))

	for _, recipient := range bounce.BouncedRecipients {
		address := strings.ToLower(strings.TrimSpace(recipient.EmailAddress))
		user, err := s.store.GetUserByEmail(address)
		fields := []zap.Field{
			zap.String("bounce_type", bounce.BounceType),
			zap.String("bounce_subtype", bounce.BounceSubType),
			zap.String("relay_action", string(action)),
			zap.Bool("user_match", err == nil),
			zap.String("diagnostic", recipient.DiagnosticCode),
		}
		if err != nil {
			if !errors.Is(err, storage.ErrUserNotFound) {
				fields = append(fields, zap.Error(err))
			}
			s.logger.Error("bounce for unknown recipient", fields...)
			continue
		}
		if user.MetricsEnabled {
			fields = append(fields, zap.String("fxa_id", user.FxaID))
		}
		s.logger.Info("bounce_notification", fields...)

		profile, err := s.store.GetProfileByUserID(user.ID)
		if err != nil {
			s.logger.Error("failed to load profile for bounce", zap.Error(err))
			continue
		}
		anchor := now
		switch action {
		case domain.BounceHard:
			profile.LastHardBounce = &anchor
		case domain.BounceSoft:
			profile.LastSoftBounce = &anchor
		case domain.BounceSpamBlock:
			profile.AutoBlockSpam = true
		}
		if err := s.store.SaveProfile(profile); err != nil {
			s.logger.Error("failed to save bounce state", zap.Error(err))
		}
	}

	return OutcomeOK("Bounce processed."), nil
}

// HandleComplaint 处理一条投诉通知
func (s *SinkService) HandleComplaint(ctx context.Context, msg *domain.SESMessage, now time.Time) (*Outcome, *ProcessError) {
	if msg.Complaint == nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusBadRequest, false,
			errors.New("complaint notification without complaint block"))
	}
	complaint := msg.Complaint
	s.metrics.RecordComplaint()

	for _, target := range s.complaintTargets(msg) {
		user := target.user
		fields := []zap.Field{
			zap.String("complaint_subtype", complaint.ComplaintSubType),
			zap.String("complaint_feedback", complaint.ComplaintFeedbackType),
			zap.String("found_in", target.foundIn),
			zap.Bool("user_match", true),
		}
		if user.MetricsEnabled {
			fields = append(fields, zap.String("fxa_id", user.FxaID))
		}

		profile, err := s.store.GetProfileByUserID(user.ID)
		if err != nil {
			s.logger.Error("failed to load profile for complaint", zap.Error(err))
			continue
		}
		profile.AutoBlockSpam = true
		if err := s.store.SaveProfile(profile); err != nil {
			s.logger.Error("failed to save complaint state", zap.Error(err))
		}

		masks := s.complainedMasks(msg, user)
		for _, mask := range masks {
			if err := s.store.IncrementSpam(mask); err != nil {
				s.logger.Error("failed to record spam on mask", zap.Error(err))
			}
		}
		if s.flags.Enabled(FlagDeactivateMaskOnComplaint, user.ID) {
			s.deactivateMasks(ctx, masks, user)
		}
		fields = append(fields, zap.Bool("mask_match", len(masks) > 0))
		s.logger.Info("complaint_notification", fields...)
	}

	return OutcomeOK("Complaint processed."), nil
}

// complaintTarget 投诉应记到的用户及其发现途径
type complaintTarget struct {
	user    *domain.User
	foundIn string
}

// complaintTargets 找出投诉应记到哪些用户头上。
//
// 优先按投诉人邮箱匹配；投诉人查不到用户时回退到被投诉邮件
// From 头里的掩码，把掩码归属人作为投诉对象（found_in=from_header）。
func (s *SinkService) complaintTargets(msg *domain.SESMessage) []complaintTarget {
	var targets []complaintTarget
	seen := make(map[string]bool)
	unknown := false

	for address, foundIn := range s.complaintAddresses(msg) {
		user, err := s.store.GetUserByEmail(address)
		if err != nil {
			fields := []zap.Field{zap.String("found_in", foundIn)}
			if !errors.Is(err, storage.ErrUserNotFound) {
				fields = append(fields, zap.Error(err))
			}
			s.logger.Error("complaint for unknown recipient", fields...)
			unknown = true
			continue
		}
		if !seen[user.ID] {
			seen[user.ID] = true
			targets = append(targets, complaintTarget{user: user, foundIn: foundIn})
		}
	}

	if unknown {
		for _, user := range s.fromHeaderMaskOwners(msg) {
			if !seen[user.ID] {
				seen[user.ID] = true
				targets = append(targets, complaintTarget{user: user, foundIn: "from_header"})
			}
		}
	}
	return targets
}

// fromHeaderMaskOwners 把被投诉邮件 From 头里的掩码解析回归属用户
func (s *SinkService) fromHeaderMaskOwners(msg *domain.SESMessage) []*domain.User {
	if msg.Mail == nil || msg.Mail.CommonHeaders == nil {
		return nil
	}
	var owners []*domain.User
	for _, from := range msg.Mail.CommonHeaders.From {
		address := extractAddress(from)
		if address == "" {
			continue
		}
		res, perr := s.resolver.Resolve(address, false)
		if perr != nil || res == nil || res.Kind != RouteMask {
			continue
		}
		user, err := s.store.GetUserByID(res.Mask.OwnerID())
		if err != nil {
			s.logger.Error("failed to load mask owner for complaint", zap.Error(err))
			continue
		}
		owners = append(owners, user)
	}
	return owners
}

// complaintAddresses 汇总投诉涉及的真实收件地址，去重并记录来源
func (s *SinkService) complaintAddresses(msg *domain.SESMessage) map[string]string {
	found := make(map[string]string)
	for _, r := range msg.Complaint.ComplainedRecipients {
		address := strings.ToLower(strings.TrimSpace(r.EmailAddress))
		if address != "" {
			found[address] = "complained_recipients"
		}
	}
	if len(found) > 0 {
		return found
	}
	// 个别服务商形态不带投诉人列表，退回到原信封的收件人
	if msg.Mail != nil {
		for _, address := range msg.Mail.Destination {
			address = strings.ToLower(strings.TrimSpace(address))
			if address != "" {
				found[address] = "all"
			}
		}
	}
	return found
}

// complainedMasks 根据被投诉邮件的 From 头找到该用户的涉事掩码
func (s *SinkService) complainedMasks(msg *domain.SESMessage, user *domain.User) []domain.Mask {
	if msg.Mail == nil || msg.Mail.CommonHeaders == nil {
		return nil
	}
	var masks []domain.Mask
	for _, from := range msg.Mail.CommonHeaders.From {
		address := extractAddress(from)
		if address == "" {
			continue
		}
		res, perr := s.resolver.Resolve(address, false)
		if perr != nil || res == nil || res.Kind != RouteMask {
			s.logger.Error("unknown mask, maybe deleted?",
				zap.String("found_in", "from_header"),
			)
			continue
		}
		if res.Mask.OwnerID() != user.ID {
			continue
		}
		masks = append(masks, res.Mask)
	}
	return masks
}

// deactivateMasks 停用涉事掩码并通知掩码所有者
func (s *SinkService) deactivateMasks(ctx context.Context, masks []domain.Mask, user *domain.User) {
	for _, mask := range masks {
		if err := s.store.UpdateMaskEnabled(mask, false); err != nil {
			s.logger.Error("failed to deactivate mask", zap.Error(err))
			continue
		}
		s.notifier.MaskDeactivated(ctx, user.Email, mask.FullAddress(s.cfg.Relay.MaskDomain))
	}
}

// extractAddress 从 "Name <addr>" 形式中取出纯地址
func extractAddress(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			return strings.ToLower(value[start+1 : start+end])
		}
	}
	return strings.ToLower(value)
}
