package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage"
)

// Store 使用内存保存用户、掩码与回复记录，主要用于开发验证与测试。
type Store struct {
	mu sync.RWMutex

	users       map[string]*domain.User    // userID -> user
	byFxaID     map[string]string          // fxaID -> userID
	byEmail     map[string]string          // email(小写) -> userID
	profiles    map[string]*domain.Profile // profileID -> profile
	byUserID    map[string]string          // userID -> profileID
	bySubdomain map[string]string          // subdomain -> profileID

	relayAddresses  map[uint]*domain.RelayAddress
	relayByLocal    map[string]uint // "local|domainID" -> id
	domainAddresses map[uint]*domain.DomainAddress
	domainByLocal   map[string]uint // "userID|local" -> id
	nextRelayID     uint
	nextDomainID    uint

	tombstones []domain.DeletedAddress

	replies     map[uint]*domain.Reply
	byLookup    map[string]uint
	nextReplyID uint

	registeredSubdomains map[string]struct{} // subdomainHash 集合

	// 滚动计数（滥用上限 / 一次性标记）
	rateLimits map[string]*rateLimitEntry
	onceMarks  map[string]time.Time
}

// rateLimitEntry 滚动窗口计数条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		users:                make(map[string]*domain.User),
		byFxaID:              make(map[string]string),
		byEmail:              make(map[string]string),
		profiles:             make(map[string]*domain.Profile),
		byUserID:             make(map[string]string),
		bySubdomain:          make(map[string]string),
		relayAddresses:       make(map[uint]*domain.RelayAddress),
		relayByLocal:         make(map[string]uint),
		domainAddresses:      make(map[uint]*domain.DomainAddress),
		domainByLocal:        make(map[string]uint),
		replies:              make(map[uint]*domain.Reply),
		byLookup:             make(map[string]uint),
		registeredSubdomains: make(map[string]struct{}),
		rateLimits:           make(map[string]*rateLimitEntry),
		onceMarks:            make(map[string]time.Time),
	}
}

// ========== UserRepository ==========

// CreateUser 创建用户
func (s *Store) CreateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrAddressExists
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	clone := *user
	s.users[user.ID] = &clone
	s.byFxaID[user.FxaID] = user.ID
	s.byEmail[email] = user.ID
	return nil
}

// GetUserByID 按 ID 查询用户
func (s *Store) GetUserByID(id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

// GetUserByEmail 按邮箱查询用户（大小写不敏感）
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *s.users[id]
	return &clone, nil
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.users[user.ID]
	if !ok {
		return storage.ErrUserNotFound
	}
	if !strings.EqualFold(old.Email, user.Email) {
		delete(s.byEmail, strings.ToLower(old.Email))
		s.byEmail[strings.ToLower(user.Email)] = user.ID
	}
	user.UpdatedAt = time.Now()
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

// SaveProfile 持久化档案；server_storage=false 时清空该用户全部掩码的备注字段
func (s *Store) SaveProfile(profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byUserID[profile.UserID]; ok && old != profile.ID {
		return fmt.Errorf("profile for user %s already exists", profile.UserID)
	}
	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	if profile.Subdomain != nil {
		lowered := strings.ToLower(*profile.Subdomain)
		profile.Subdomain = &lowered
		s.bySubdomain[lowered] = profile.ID
	}

	clone := *profile
	s.profiles[profile.ID] = &clone
	s.byUserID[profile.UserID] = profile.ID

	if !profile.ServerStorage {
		for _, addr := range s.relayAddresses {
			if addr.UserID == profile.UserID {
				addr.Description = ""
				addr.GeneratedFor = ""
				addr.UsedOn = ""
			}
		}
		for _, addr := range s.domainAddresses {
			if addr.UserID == profile.UserID {
				addr.Description = ""
				addr.UsedOn = ""
			}
		}
	}
	return nil
}

// GetProfileByUserID 按用户 ID 查询档案
func (s *Store) GetProfileByUserID(userID string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUserID[userID]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	clone := *s.profiles[id]
	return &clone, nil
}

// GetProfileBySubdomain 按子域查询档案（大小写不敏感）
func (s *Store) GetProfileBySubdomain(subdomain string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySubdomain[strings.ToLower(subdomain)]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	clone := *s.profiles[id]
	return &clone, nil
}

// ========== MaskRepository ==========

func relayKey(local string, domainID domain.DomainID) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(local), domainID)
}

func domainKey(userID, local string) string {
	return userID + "|" + strings.ToLower(local)
}

// SaveRelayAddress 保存随机掩码
func (s *Store) SaveRelayAddress(addr *domain.RelayAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relayKey(addr.Address, addr.DomainID)
	if existing, ok := s.relayByLocal[key]; ok && existing != addr.ID {
		return storage.ErrAddressExists
	}
	if addr.ID == 0 {
		s.nextRelayID++
		addr.ID = s.nextRelayID
	}
	now := time.Now()
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = now
	}
	addr.UpdatedAt = now
	addr.Address = strings.ToLower(addr.Address)

	clone := *addr
	s.relayAddresses[addr.ID] = &clone
	s.relayByLocal[key] = addr.ID
	return nil
}

// GetRelayAddress 按 (本地部分, 域名ID) 查询随机掩码
func (s *Store) GetRelayAddress(local string, domainID domain.DomainID) (*domain.RelayAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.relayByLocal[relayKey(local, domainID)]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	clone := *s.relayAddresses[id]
	return &clone, nil
}

// GetRelayAddressByID 按 ID 查询随机掩码
func (s *Store) GetRelayAddressByID(id uint) (*domain.RelayAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.relayAddresses[id]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	clone := *addr
	return &clone, nil
}

// SaveDomainAddress 保存子域掩码
func (s *Store) SaveDomainAddress(addr *domain.DomainAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domainKey(addr.UserID, addr.Address)
	if existing, ok := s.domainByLocal[key]; ok && existing != addr.ID {
		return storage.ErrAddressExists
	}
	if addr.ID == 0 {
		s.nextDomainID++
		addr.ID = s.nextDomainID
	}
	now := time.Now()
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = now
	}
	addr.UpdatedAt = now
	addr.Address = strings.ToLower(addr.Address)

	clone := *addr
	s.domainAddresses[addr.ID] = &clone
	s.domainByLocal[key] = addr.ID
	return nil
}

// GetDomainAddress 按 (用户ID, 本地部分) 查询子域掩码
func (s *Store) GetDomainAddress(userID, local string) (*domain.DomainAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.domainByLocal[domainKey(userID, local)]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	clone := *s.domainAddresses[id]
	return &clone, nil
}

// GetDomainAddressByID 按 ID 查询子域掩码
func (s *Store) GetDomainAddressByID(id uint) (*domain.DomainAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.domainAddresses[id]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	clone := *addr
	return &clone, nil
}

// ListMasksByUserID 返回用户的全部掩码
func (s *Store) ListMasksByUserID(userID string) ([]domain.Mask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var masks []domain.Mask
	for _, addr := range s.relayAddresses {
		if addr.UserID == userID {
			clone := *addr
			masks = append(masks, &clone)
		}
	}
	for _, addr := range s.domainAddresses {
		if addr.UserID == userID {
			clone := *addr
			masks = append(masks, &clone)
		}
	}
	return masks, nil
}

// DeleteMask 删除掩码并写入墓碑
func (s *Store) DeleteMask(mask domain.Mask, addressHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := mask.(type) {
	case *domain.RelayAddress:
		stored, ok := s.relayAddresses[m.ID]
		if !ok {
			return storage.ErrAddressNotFound
		}
		delete(s.relayByLocal, relayKey(stored.Address, stored.DomainID))
		delete(s.relayAddresses, m.ID)
		s.tombstones = append(s.tombstones, domain.DeletedAddress{
			AddressHash:  addressHash,
			CreatedAt:    time.Now(),
			NumForwarded: stored.NumForwarded,
			NumBlocked:   stored.NumBlocked,
		})
	case *domain.DomainAddress:
		stored, ok := s.domainAddresses[m.ID]
		if !ok {
			return storage.ErrAddressNotFound
		}
		delete(s.domainByLocal, domainKey(stored.UserID, stored.Address))
		delete(s.domainAddresses, m.ID)
		s.tombstones = append(s.tombstones, domain.DeletedAddress{
			AddressHash:  addressHash,
			CreatedAt:    time.Now(),
			NumForwarded: stored.NumForwarded,
			NumBlocked:   stored.NumBlocked,
		})
	default:
		return fmt.Errorf("unsupported mask type %T", mask)
	}
	return nil
}

// withMask 对存储中的掩码原地执行变更
func (s *Store) withMask(mask domain.Mask, fn func(counters *maskCounters)) error {
	switch m := mask.(type) {
	case *domain.RelayAddress:
		stored, ok := s.relayAddresses[m.ID]
		if !ok {
			return storage.ErrAddressNotFound
		}
		fn(&maskCounters{
			NumForwarded:               &stored.NumForwarded,
			NumBlocked:                 &stored.NumBlocked,
			NumReplied:                 &stored.NumReplied,
			NumSpam:                    &stored.NumSpam,
			NumLevelOneTrackersBlocked: &stored.NumLevelOneTrackersBlocked,
			LastUsedAt:                 &stored.LastUsedAt,
			Enabled:                    &stored.Enabled,
		})
	case *domain.DomainAddress:
		stored, ok := s.domainAddresses[m.ID]
		if !ok {
			return storage.ErrAddressNotFound
		}
		fn(&maskCounters{
			NumForwarded:               &stored.NumForwarded,
			NumBlocked:                 &stored.NumBlocked,
			NumReplied:                 &stored.NumReplied,
			NumSpam:                    &stored.NumSpam,
			NumLevelOneTrackersBlocked: &stored.NumLevelOneTrackersBlocked,
			LastUsedAt:                 &stored.LastUsedAt,
			Enabled:                    &stored.Enabled,
		})
	default:
		return fmt.Errorf("unsupported mask type %T", mask)
	}
	return nil
}

// maskCounters 两种掩码共有的可变字段视图
type maskCounters struct {
	NumForwarded               *int
	NumBlocked                 *int
	NumReplied                 *int
	NumSpam                    *int
	NumLevelOneTrackersBlocked *int
	LastUsedAt                 **time.Time
	Enabled                    *bool
}

// IncrementForwarded 转发成功后递增计数并刷新 last_used_at
func (s *Store) IncrementForwarded(mask domain.Mask, at time.Time, trackersBlocked int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withMask(mask, func(c *maskCounters) {
		*c.NumForwarded++
		*c.NumLevelOneTrackersBlocked += trackersBlocked
		t := at
		*c.LastUsedAt = &t
	})
}

// IncrementBlocked 递增拦截计数
func (s *Store) IncrementBlocked(mask domain.Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withMask(mask, func(c *maskCounters) {
		*c.NumBlocked++
	})
}

// IncrementReplied 回复成功后递增计数并刷新 last_used_at
func (s *Store) IncrementReplied(mask domain.Mask, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withMask(mask, func(c *maskCounters) {
		*c.NumReplied++
		t := at
		*c.LastUsedAt = &t
	})
}

// IncrementSpam 递增垃圾邮件计数
func (s *Store) IncrementSpam(mask domain.Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withMask(mask, func(c *maskCounters) {
		*c.NumSpam++
	})
}

// UpdateMaskEnabled 启用/停用掩码
func (s *Store) UpdateMaskEnabled(mask domain.Mask, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withMask(mask, func(c *maskCounters) {
		*c.Enabled = enabled
	})
}

// ========== DeletedAddressRepository ==========

// SaveDeletedAddress 写入墓碑记录
func (s *Store) SaveDeletedAddress(tombstone *domain.DeletedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tombstone.CreatedAt.IsZero() {
		tombstone.CreatedAt = time.Now()
	}
	s.tombstones = append(s.tombstones, *tombstone)
	return nil
}

// CountDeletedAddresses 返回匹配哈希的墓碑条数
func (s *Store) CountDeletedAddresses(addressHash string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.tombstones {
		if t.AddressHash == addressHash {
			count++
		}
	}
	return count, nil
}

// ========== ReplyRepository ==========

// SaveReply 保存回复记录
func (s *Store) SaveReply(reply *domain.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reply.ID == 0 {
		s.nextReplyID++
		reply.ID = s.nextReplyID
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now()
	}
	clone := *reply
	s.replies[reply.ID] = &clone
	s.byLookup[reply.Lookup] = reply.ID
	return nil
}

// GetReplyByLookup 按查找键查询回复记录
func (s *Store) GetReplyByLookup(lookup string) (*domain.Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLookup[lookup]
	if !ok {
		return nil, storage.ErrReplyNotFound
	}
	clone := *s.replies[id]
	return &clone, nil
}

// DeleteRepliesBefore 回收保留窗口外的回复记录
func (s *Store) DeleteRepliesBefore(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, reply := range s.replies {
		if reply.CreatedAt.Before(before) {
			delete(s.byLookup, reply.Lookup)
			delete(s.replies, id)
			count++
		}
	}
	return count, nil
}

// ========== SubdomainRepository ==========

// SaveRegisteredSubdomain 登记子域哈希
func (s *Store) SaveRegisteredSubdomain(record *domain.RegisteredSubdomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.registeredSubdomains[record.SubdomainHash] = struct{}{}
	return nil
}

// SubdomainTaken 判断子域哈希是否已被占用
func (s *Store) SubdomainTaken(subdomainHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.registeredSubdomains[subdomainHash]
	return ok, nil
}

// ========== RateLimitRepository ==========

// IncrementDailyCounter 递增滚动窗口计数
func (s *Store) IncrementDailyCounter(key string, delta int64, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.rateLimits[key]
	if !ok || now.After(entry.ExpiresAt) {
		entry = &rateLimitEntry{ExpiresAt: now.Add(window)}
		s.rateLimits[key] = entry
	}
	entry.Count += delta
	return entry.Count, nil
}

// MarkOnce 写入一次性标记
func (s *Store) MarkOnce(key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.onceMarks[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.onceMarks[key] = now.Add(ttl)
	return true, nil
}

// ========== 工具方法 ==========

// Close 关闭存储（内存实现为空操作）
func (s *Store) Close() error { return nil }

// Health 健康检查（内存实现始终健康）
func (s *Store) Health() error { return nil }
