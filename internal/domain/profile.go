package domain

import "time"

// Profile 表示用户的转发策略状态，与 User 一对一关联。
//
// 其中 LastHardBounce / LastSoftBounce 是退信暂停窗口的锚点；
// LastAccountFlagged 在用户超过转发速率或容量上限时被设置。
type Profile struct {
	ID                     string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID                 string     `json:"userId" gorm:"uniqueIndex;type:varchar(36);not null"`
	ServerStorage          bool       `json:"serverStorage" gorm:"default:true"` // 是否允许保留掩码的备注字段
	Subdomain              *string    `json:"subdomain,omitempty" gorm:"uniqueIndex;type:varchar(63)"`
	LastHardBounce         *time.Time `json:"lastHardBounce,omitempty"`
	LastSoftBounce         *time.Time `json:"lastSoftBounce,omitempty"`
	AutoBlockSpam          bool       `json:"autoBlockSpam" gorm:"default:false"`
	RemoveLevelOneTrackers bool       `json:"removeLevelOneTrackers" gorm:"default:false"`
	LastAccountFlagged     *time.Time `json:"lastAccountFlagged,omitempty"`
	LastEngagement         *time.Time `json:"lastEngagement,omitempty"`
	Language               string     `json:"language" gorm:"type:varchar(16);default:'en'"` // 转发邮件包裹模板的语言
	// 累计统计
	NumEmailForwardedInDeletedAddress int `json:"-" gorm:"default:0"`
	NumEmailBlockedInDeletedAddress   int `json:"-" gorm:"default:0"`
	CreatedAt                         time.Time `json:"createdAt"`
	UpdatedAt                         time.Time `json:"updatedAt"`
}

// BouncePause 描述当前生效的退信暂停状态
type BouncePause struct {
	Paused bool
	Type   BounceType // 生效的暂停类型（hard 优先）
}

// HardBounceActive 判断硬退信暂停窗口是否仍然有效。
// 锚点早于 allowedDays 时窗口视为过期，由调用方负责清除锚点（自愈）。
func (p *Profile) HardBounceActive(now time.Time, allowedDays int) bool {
	return bounceActive(p.LastHardBounce, now, allowedDays)
}

// SoftBounceActive 判断软退信暂停窗口是否仍然有效
func (p *Profile) SoftBounceActive(now time.Time, allowedDays int) bool {
	return bounceActive(p.LastSoftBounce, now, allowedDays)
}

func bounceActive(anchor *time.Time, now time.Time, allowedDays int) bool {
	if anchor == nil {
		return false
	}
	return now.Sub(*anchor) < time.Duration(allowedDays)*24*time.Hour
}
