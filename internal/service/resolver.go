package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/storage"
)

// RouteKind 收件地址解析出的路由类别
type RouteKind int

const (
	// RouteMask 普通掩码投递
	RouteMask RouteKind = iota
	// RouteReply 回复路由地址，进入回复管道
	RouteReply
	// RouteNoReply no-reply 形态的地址，确认成功但不发送
	RouteNoReply
)

// Resolved 地址解析结果
type Resolved struct {
	Kind    RouteKind
	Mask    domain.Mask
	User    *domain.User
	Profile *domain.Profile
	Created bool // 掩码是否在本次投递中按需创建
}

// MaskInfo 组装事件上报用的掩码字段；用户关闭指标时省略 fxa_id
func (r *Resolved) MaskInfo(isReply bool) events.MaskInfo {
	info := events.MaskInfo{IsReply: isReply}
	if r.Mask != nil {
		info.MaskID = r.Mask.MetricsID()
		info.IsRandomMask = r.Mask.IsRandom()
	}
	if r.User != nil && r.User.MetricsEnabled {
		info.FxaID = r.User.FxaID
	}
	return info
}

// ResolverService 把收件地址解析为掩码记录。
type ResolverService struct {
	store     storage.Store
	validator *domain.MaskValidator
	cfg       *config.Config
	metrics   *monitoring.Metrics
	events    *events.Emitter
	logger    *zap.Logger
}

// NewResolverService 创建地址解析服务
func NewResolverService(store storage.Store, validator *domain.MaskValidator, cfg *config.Config,
	metrics *monitoring.Metrics, emitter *events.Emitter, logger *zap.Logger) *ResolverService {
	return &ResolverService{
		store:     store,
		validator: validator,
		cfg:       cfg,
		metrics:   metrics,
		events:    emitter,
		logger:    logger,
	}
}

// Resolve 解析收件地址。create 为 true 时允许按需创建子域掩码。
//
// 解析失败返回 *ProcessError：404、不可重试，reason 同时作为未命中指标的 kind。
func (s *ResolverService) Resolve(recipient string, create bool) (*Resolved, *ProcessError) {
	local, dom, ok := splitAddress(recipient)
	if !ok {
		return nil, s.miss(ReasonUnknownAddress, recipient)
	}

	// 回复路由地址绕过掩码解析
	if local+"@"+dom == strings.ToLower(s.cfg.ReplyAddress()) {
		return &Resolved{Kind: RouteReply}, nil
	}

	// 服务域名下的 no-reply 形态直接短路为成功
	if s.onServiceDomain(dom) && isNoReplyLocal(local, s.cfg.Relay.NoReplyPrefix) {
		return &Resolved{Kind: RouteNoReply}, nil
	}

	if dom == s.cfg.Relay.MaskDomain {
		return s.resolveRelayAddress(local, dom)
	}
	return s.resolveDomainAddress(local, dom, create)
}

// resolveRelayAddress 解析共享域名下的随机掩码
func (s *ResolverService) resolveRelayAddress(local, dom string) (*Resolved, *ProcessError) {
	addr, err := s.store.GetRelayAddress(local, domain.DomainMask)
	if err != nil {
		if !errors.Is(err, storage.ErrAddressNotFound) {
			return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
		}

		// 未命中：先区分是不是投往已删除掩码的再投递
		hash := domain.HashAddress(local+"@"+dom, s.cfg.Relay.AddressSalt)
		count, cerr := s.store.CountDeletedAddresses(hash)
		if cerr != nil {
			return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, cerr)
		}
		switch {
		case count > 1:
			return nil, s.miss(ReasonDeletedAddressMultiple, local+"@"+dom)
		case count == 1:
			return nil, s.miss(ReasonDeletedAddress, local+"@"+dom)
		default:
			return nil, s.miss(ReasonUnknownAddress, local+"@"+dom)
		}
	}

	return s.attachOwner(&Resolved{Kind: RouteMask, Mask: addr}, addr.UserID)
}

// resolveDomainAddress 解析自定义子域下的掩码，必要时按需创建
func (s *ResolverService) resolveDomainAddress(local, dom string, create bool) (*Resolved, *ProcessError) {
	sub, ok := strings.CutSuffix(dom, "."+s.cfg.Relay.MaskDomain)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return nil, s.miss(ReasonNotSupportedDomain, local+"@"+dom)
	}

	profile, err := s.store.GetProfileBySubdomain(sub)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			return nil, s.miss(ReasonDNESubdomain, local+"@"+dom)
		}
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}

	addr, err := s.store.GetDomainAddress(profile.UserID, local)
	if err != nil {
		if !errors.Is(err, storage.ErrAddressNotFound) {
			return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
		}
		if !create {
			return nil, s.miss(ReasonUnknownAddress, local+"@"+dom)
		}
		addr, perr := s.createDomainAddress(profile, sub, local, dom)
		if perr != nil {
			return nil, perr
		}
		resolved, aerr := s.attachOwner(&Resolved{Kind: RouteMask, Mask: addr, Created: true}, profile.UserID)
		if aerr != nil {
			return nil, aerr
		}
		resolved.Profile = profile
		return resolved, nil
	}

	resolved, perr := s.attachOwner(&Resolved{Kind: RouteMask, Mask: addr}, profile.UserID)
	if perr != nil {
		return nil, perr
	}
	resolved.Profile = profile
	return resolved, nil
}

// createDomainAddress 首封来信时按需创建子域掩码
func (s *ResolverService) createDomainAddress(profile *domain.Profile, sub, local, dom string) (*domain.DomainAddress, *ProcessError) {
	if err := s.validator.ValidateLocalPart(local); err != nil {
		return nil, s.miss(ReasonUnknownAddress, local+"@"+dom)
	}

	// 墓碑命中的本地部分不允许复活
	hash := domain.HashAddress(local+"@"+dom, s.cfg.Relay.AddressSalt)
	count, err := s.store.CountDeletedAddresses(hash)
	if err != nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}
	if count > 0 {
		reason := ReasonDeletedAddress
		if count > 1 {
			reason = ReasonDeletedAddressMultiple
		}
		return nil, s.miss(reason, local+"@"+dom)
	}

	addr := &domain.DomainAddress{
		UserID:    profile.UserID,
		Address:   local,
		Subdomain: sub,
		Enabled:   true,
	}
	if err := s.store.SaveDomainAddress(addr); err != nil {
		if errors.Is(err, storage.ErrAddressExists) {
			// 并发创建，回读即可
			existing, gerr := s.store.GetDomainAddress(profile.UserID, local)
			if gerr != nil {
				return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, gerr)
			}
			return existing, nil
		}
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true, err)
	}

	s.metrics.RecordMaskCreated()

	info := events.MaskInfo{MaskID: addr.MetricsID(), IsRandomMask: false}
	if user, uerr := s.store.GetUserByID(profile.UserID); uerr == nil && user.MetricsEnabled {
		info.FxaID = user.FxaID
	}
	s.events.EmailMaskCreated(info, false, false)

	s.logger.Info("created domain address on delivery",
		zap.String("mask_id", addr.MetricsID()),
		zap.String("subdomain", sub),
	)
	return addr, nil
}

// attachOwner 加载掩码所属用户与档案
func (s *ResolverService) attachOwner(resolved *Resolved, userID string) (*Resolved, *ProcessError) {
	user, err := s.store.GetUserByID(userID)
	if err != nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true,
			fmt.Errorf("failed to load mask owner: %w", err))
	}
	profile, err := s.store.GetProfileByUserID(userID)
	if err != nil {
		return nil, NewProcessError(ReasonErrorStorage, http.StatusServiceUnavailable, true,
			fmt.Errorf("failed to load owner profile: %w", err))
	}
	resolved.User = user
	resolved.Profile = profile
	return resolved, nil
}

// miss 记录未命中指标并构造 404 错误
func (s *ResolverService) miss(reason, address string) *ProcessError {
	s.metrics.RecordResolverMiss(reason)
	s.logger.Info("recipient did not resolve to a mask",
		zap.String("kind", reason),
	)
	return NewProcessError(reason, http.StatusNotFound, false, fmt.Errorf("no mask for %q", address))
}

// onServiceDomain 域名是否为掩码根域或其直接子域
func (s *ResolverService) onServiceDomain(dom string) bool {
	return dom == s.cfg.Relay.MaskDomain || strings.HasSuffix(dom, "."+s.cfg.Relay.MaskDomain)
}

// isNoReplyLocal 本地部分是否为配置的 no-reply 形态
// （prefix 本身，或 prefix 后接 "." / "-" 分隔）
func isNoReplyLocal(local, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(local, prefix) {
		return false
	}
	rest := local[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, "-")
}

// splitAddress 规整收件地址：小写、剥离 +tag
func splitAddress(recipient string) (local, dom string, ok bool) {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	local, dom = addr[:at], addr[at+1:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local, dom, true
}
