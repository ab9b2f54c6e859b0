package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/email"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/replies"
	"relay/backend/internal/storage"
)

// ReplyService 实现回复管道：用回信记录把用户的回复路由回原始发件人。
type ReplyService struct {
	store      storage.Store
	limits     storage.RateLimitRepository
	dispatcher Dispatcher
	notifier   *Notifier
	cfg        *config.Config
	metrics    *monitoring.Metrics
	events     *events.Emitter
	logger     *zap.Logger
}

// NewReplyService 创建回复服务
func NewReplyService(store storage.Store, limits storage.RateLimitRepository,
	dispatcher Dispatcher, notifier *Notifier, cfg *config.Config,
	metrics *monitoring.Metrics, emitter *events.Emitter, logger *zap.Logger) *ReplyService {
	return &ReplyService{
		store:      store,
		limits:     limits,
		dispatcher: dispatcher,
		notifier:   notifier,
		cfg:        cfg,
		metrics:    metrics,
		events:     emitter,
		logger:     logger,
	}
}

// HandleReply 处理发往回复路由地址的一封邮件。
func (s *ReplyService) HandleReply(ctx context.Context, raw []byte, now time.Time) (*Outcome, *ProcessError) {
	headerBlock, _ := email.SplitMessage(raw)
	headers := email.ParseHeaders(headerBlock)

	candidates := replyCandidates(headers)
	if len(candidates) == 0 {
		s.metrics.RecordDropped(ReasonReplyNoHeader)
		return nil, NewProcessError(ReasonReplyNoHeader, http.StatusBadRequest, false,
			errors.New("no In-Reply-To or References header"))
	}

	record, keys, perr := s.lookupReply(candidates)
	if perr != nil {
		return nil, perr
	}

	mask, perr := s.maskForReply(record)
	if perr != nil {
		return nil, perr
	}

	user, err := s.store.GetUserByID(mask.OwnerID())
	if err != nil {
		return nil, storageError(err)
	}
	profile, err := s.store.GetProfileByUserID(user.ID)
	if err != nil {
		return nil, storageError(err)
	}

	if !user.HasPremium() {
		s.notifyPremiumRequired(ctx, headers, user)
		s.metrics.RecordDropped(ReasonReplyRequiresPremium)
		return nil, NewProcessError(ReasonReplyRequiresPremium, http.StatusForbidden, false,
			errors.New("replies require a premium subscription"))
	}

	meta, err := replies.Unseal(keys.Encryption, record.EncryptedMetadata)
	if err != nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}
	destination := meta.ReplyTo
	if destination == "" {
		destination = meta.From
	}

	maskAddress := mask.FullAddress(s.cfg.Relay.MaskDomain)
	outbound, err := email.Reply(email.ReplyInput{
		Raw:         raw,
		MaskAddress: maskAddress,
		ToAddress:   destination,
	})
	if err != nil {
		return nil, NewProcessError(ReasonErrorSending, http.StatusBadRequest, false, err)
	}

	if _, err := s.dispatcher.SendRaw(ctx, maskAddress, []string{destination}, outbound); err != nil {
		return nil, sendError(err)
	}

	if err := s.store.IncrementReplied(mask, now); err != nil {
		s.logger.Error("failed to increment reply counters", zap.Error(err))
	}
	engagement := now
	profile.LastEngagement = &engagement
	if err := s.store.SaveProfile(profile); err != nil {
		s.logger.Error("failed to update engagement", zap.Error(err))
	}

	s.metrics.RecordReplied()
	info := events.MaskInfo{
		MaskID:       mask.MetricsID(),
		IsRandomMask: mask.IsRandom(),
		IsReply:      true,
	}
	if user.MetricsEnabled {
		info.FxaID = user.FxaID
	}
	s.events.EmailForwarded(info, 0)

	return OutcomeOK("Sent reply to original sender."), nil
}

// lookupReply 逐个候选 Message-ID 求取查找键，返回首个命中的回信记录。
func (s *ReplyService) lookupReply(candidates []string) (*domain.Reply, replies.Keys, *ProcessError) {
	for _, id := range candidates {
		keys, err := replies.DeriveKeys(id)
		if err != nil {
			continue
		}
		record, err := s.store.GetReplyByLookup(keys.LookupKey())
		if err != nil {
			if errors.Is(err, storage.ErrReplyNotFound) {
				continue
			}
			return nil, replies.Keys{}, storageError(err)
		}
		return record, keys, nil
	}
	s.metrics.RecordDropped(ReasonReplyRecordNotFound)
	return nil, replies.Keys{}, NewProcessError(ReasonReplyRecordNotFound, http.StatusNotFound, false,
		errors.New("no reply record for referenced messages"))
}

func (s *ReplyService) maskForReply(record *domain.Reply) (domain.Mask, *ProcessError) {
	switch {
	case record.RelayAddressID != nil:
		mask, err := s.store.GetRelayAddressByID(*record.RelayAddressID)
		if err != nil {
			return nil, storageError(err)
		}
		return mask, nil
	case record.DomainAddressID != nil:
		mask, err := s.store.GetDomainAddressByID(*record.DomainAddressID)
		if err != nil {
			return nil, storageError(err)
		}
		return mask, nil
	}
	return nil, NewProcessError(ReasonReplyRecordNotFound, http.StatusNotFound, false,
		errors.New("reply record references no mask"))
}

// notifyPremiumRequired 给回信人发一次性的升级提示，同一邮箱每天最多一封。
func (s *ReplyService) notifyPremiumRequired(ctx context.Context, headers *email.Headers, user *domain.User) {
	sender, _, err := email.ParseAddressTolerant(headers.Get("From"))
	if err != nil || sender == nil {
		return
	}
	if s.limits != nil {
		first, err := s.limits.MarkOnce("relay:premium_notice:"+sender.Address, 24*time.Hour)
		if err != nil {
			s.logger.Error("failed to check notice dedup", zap.Error(err))
			return
		}
		if !first {
			return
		}
	}
	s.notifier.ReplyRequiresPremium(ctx, sender.Address)
	s.logger.Info("sent premium-required notice",
		zap.Bool("user_match", user != nil),
	)
}

// replyCandidates 提取回复引用的 Message-ID：优先 In-Reply-To，
// 否则按 References 从最近引用到最早引用的顺序。
func replyCandidates(headers *email.Headers) []string {
	if v := headers.Get("In-Reply-To"); v != "" {
		if ids := email.ExtractMessageIDs(v); len(ids) > 0 {
			return ids[:1]
		}
	}
	ids := email.ExtractMessageIDs(headers.Get("References"))
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

func storageError(err error) *ProcessError {
	if errors.Is(err, storage.ErrUserNotFound) || errors.Is(err, storage.ErrProfileNotFound) ||
		errors.Is(err, storage.ErrAddressNotFound) {
		return NewProcessError(ReasonReplyRecordNotFound, http.StatusNotFound, false, err)
	}
	return NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
}
