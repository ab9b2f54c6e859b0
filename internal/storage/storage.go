package storage

import (
	"errors"
	"time"

	"relay/backend/internal/domain"
)

var (
	// ErrUserNotFound 用户未找到错误
	ErrUserNotFound = errors.New("user not found")
	// ErrProfileNotFound 档案未找到错误
	ErrProfileNotFound = errors.New("profile not found")
	// ErrAddressNotFound 掩码地址未找到错误
	ErrAddressNotFound = errors.New("address not found")
	// ErrReplyNotFound 回复记录未找到错误
	ErrReplyNotFound = errors.New("reply record not found")
	// ErrAddressExists 掩码地址已存在错误
	ErrAddressExists = errors.New("address already exists")
)

// UserRepository 定义用户与档案数据存取操作。
type UserRepository interface {
	CreateUser(user *domain.User) error
	GetUserByID(id string) (*domain.User, error)
	GetUserByEmail(email string) (*domain.User, error)
	UpdateUser(user *domain.User) error

	// SaveProfile 持久化档案。server_storage=false 时同时清空该用户
	// 所有掩码上的备注字段（Description/GeneratedFor/UsedOn）。
	SaveProfile(profile *domain.Profile) error
	GetProfileByUserID(userID string) (*domain.Profile, error)
	GetProfileBySubdomain(subdomain string) (*domain.Profile, error)
}

// MaskRepository 定义随机掩码与子域掩码的数据存取操作。
type MaskRepository interface {
	SaveRelayAddress(addr *domain.RelayAddress) error
	GetRelayAddress(local string, domainID domain.DomainID) (*domain.RelayAddress, error)
	GetRelayAddressByID(id uint) (*domain.RelayAddress, error)

	SaveDomainAddress(addr *domain.DomainAddress) error
	GetDomainAddress(userID, local string) (*domain.DomainAddress, error)
	GetDomainAddressByID(id uint) (*domain.DomainAddress, error)

	// ListMasksByUserID 返回用户的全部掩码（随机 + 子域）
	ListMasksByUserID(userID string) ([]domain.Mask, error)

	// DeleteMask 删除掩码并写入墓碑哈希
	DeleteMask(mask domain.Mask, addressHash string) error

	// 计数器只增不减，成功发送后才允许调用（发送即提交屏障）。
	IncrementForwarded(mask domain.Mask, at time.Time, trackersBlocked int) error
	IncrementBlocked(mask domain.Mask) error
	IncrementReplied(mask domain.Mask, at time.Time) error
	IncrementSpam(mask domain.Mask) error

	// UpdateMaskEnabled 启用/停用掩码（投诉处置时使用）
	UpdateMaskEnabled(mask domain.Mask, enabled bool) error
}

// DeletedAddressRepository 定义墓碑数据存取操作。
type DeletedAddressRepository interface {
	SaveDeletedAddress(tombstone *domain.DeletedAddress) error
	// CountDeletedAddresses 返回匹配哈希的墓碑条数（竞态下可能 >1）
	CountDeletedAddresses(addressHash string) (int, error)
}

// ReplyRepository 定义回复记录数据存取操作。
type ReplyRepository interface {
	SaveReply(reply *domain.Reply) error
	GetReplyByLookup(lookup string) (*domain.Reply, error)
	// DeleteRepliesBefore 按保留窗口回收历史回复记录，返回删除数量
	DeleteRepliesBefore(before time.Time) (int, error)
}

// SubdomainRepository 定义子域注册表数据存取操作。
type SubdomainRepository interface {
	SaveRegisteredSubdomain(record *domain.RegisteredSubdomain) error
	SubdomainTaken(subdomainHash string) (bool, error)
}

// RateLimitRepository 定义滥用上限的滚动计数操作（Redis 实现）。
type RateLimitRepository interface {
	// IncrementDailyCounter 递增滚动窗口计数并返回递增后的值
	IncrementDailyCounter(key string, delta int64, window time.Duration) (int64, error)
	// MarkOnce 写入一次性标记；首次写入返回 true，已存在返回 false
	MarkOnce(key string, ttl time.Duration) (bool, error)
}

// Store 定义完整的存储接口。
type Store interface {
	UserRepository
	MaskRepository
	DeletedAddressRepository
	ReplyRepository
	SubdomainRepository

	// 工具方法
	Close() error
	Health() error
}
