package domain

import "time"

// UserTier 用户订阅等级
type UserTier string

const (
	TierFree   UserTier = "free"
	TierEmail  UserTier = "email"
	TierPhone  UserTier = "phone"
	TierBundle UserTier = "bundle"
)

// User 表示经身份提供商（FxA）认证的用户实体
type User struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FxaID          string    `json:"fxaId" gorm:"uniqueIndex;type:varchar(64);not null"` // 身份提供商的稳定外部 ID
	Email          string    `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	IsActive       bool      `json:"isActive" gorm:"default:true"`
	Tier           UserTier  `json:"tier" gorm:"type:varchar(20);default:'free';index"`
	MetricsEnabled bool      `json:"metricsEnabled" gorm:"default:false"` // 用户是否允许上报带身份的指标
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasPremium 判断用户是否拥有付费邮件掩码功能
func (u *User) HasPremium() bool {
	switch u.Tier {
	case TierEmail, TierPhone, TierBundle:
		return true
	}
	return false
}
