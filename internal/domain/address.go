package domain

import (
	"fmt"
	"time"
)

// DomainID 标识随机掩码所属的服务域名（小枚举）
type DomainID int

const (
	// DomainRelay 传统转发域名
	DomainRelay DomainID = 1
	// DomainMask 当前默认的掩码域名，同时也是自定义子域的根域
	DomainMask DomainID = 2
)

// Mask 是随机掩码与子域掩码的公共视图，供策略引擎与事件上报使用。
type Mask interface {
	// MetricsID 返回用于指标上报的不含 PII 的标识（"R<id>" 或 "D<id>"）
	MetricsID() string
	// FullAddress 返回掩码的完整收件地址
	FullAddress(maskDomain string) string
	// OwnerID 返回掩码所属用户 ID
	OwnerID() string
	// IsEnabled 掩码是否启用
	IsEnabled() bool
	// BlocksList 是否屏蔽营销类（列表）邮件
	BlocksList() bool
	// IsRandom 是否为随机掩码
	IsRandom() bool
}

// RelayAddress 表示随机掩码：本地部分为不透明的随机字符串（默认 9 位小写字母数字），
// 挂在共享的服务域名下。
type RelayAddress struct {
	ID                         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID                     string    `json:"userId" gorm:"type:varchar(36);index;not null"`
	Address                    string    `json:"address" gorm:"type:varchar(64);index:idx_relay_local_domain,unique"`
	DomainID                   DomainID  `json:"domain" gorm:"index:idx_relay_local_domain,unique"`
	Enabled                    bool      `json:"enabled" gorm:"default:true"`
	BlockListEmails            bool      `json:"blockListEmails" gorm:"default:false"`
	Description                string    `json:"description" gorm:"type:varchar(64);default:''"` // server_storage=false 时必须为空
	GeneratedFor               string    `json:"generatedFor" gorm:"type:varchar(255);default:''"`
	UsedOn                     string    `json:"usedOn" gorm:"type:text"`
	NumForwarded               int       `json:"numForwarded" gorm:"default:0"`
	NumBlocked                 int       `json:"numBlocked" gorm:"default:0"`
	NumReplied                 int       `json:"numReplied" gorm:"default:0"`
	NumSpam                    int       `json:"numSpam" gorm:"default:0"`
	NumLevelOneTrackersBlocked int       `json:"numLevelOneTrackersBlocked" gorm:"default:0"`
	LastUsedAt                 *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt                  time.Time `json:"createdAt"`
	UpdatedAt                  time.Time `json:"updatedAt"`
}

// MetricsID 返回 "R" + 数字 ID
func (a *RelayAddress) MetricsID() string { return fmt.Sprintf("R%d", a.ID) }

// FullAddress 返回 <local>@<maskDomain>
func (a *RelayAddress) FullAddress(maskDomain string) string {
	return a.Address + "@" + maskDomain
}

func (a *RelayAddress) OwnerID() string  { return a.UserID }
func (a *RelayAddress) IsEnabled() bool  { return a.Enabled }
func (a *RelayAddress) BlocksList() bool { return a.BlockListEmails }
func (a *RelayAddress) IsRandom() bool   { return true }

// DomainAddress 表示自定义子域掩码：本地部分挂在用户独占的子域下，
// 可以在首封来信时按需创建。
type DomainAddress struct {
	ID                         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID                     string    `json:"userId" gorm:"type:varchar(36);index:idx_domain_user_local,unique"`
	Address                    string    `json:"address" gorm:"type:varchar(64);index:idx_domain_user_local,unique"`
	Enabled                    bool      `json:"enabled" gorm:"default:true"`
	BlockListEmails            bool      `json:"blockListEmails" gorm:"default:false"`
	Description                string    `json:"description" gorm:"type:varchar(64);default:''"`
	UsedOn                     string    `json:"usedOn" gorm:"type:text"`
	NumForwarded               int       `json:"numForwarded" gorm:"default:0"`
	NumBlocked                 int       `json:"numBlocked" gorm:"default:0"`
	NumReplied                 int       `json:"numReplied" gorm:"default:0"`
	NumSpam                    int       `json:"numSpam" gorm:"default:0"`
	NumLevelOneTrackersBlocked int       `json:"numLevelOneTrackersBlocked" gorm:"default:0"`
	LastUsedAt                 *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt                  time.Time `json:"createdAt"`
	UpdatedAt                  time.Time `json:"updatedAt"`

	// Subdomain 冗余保存所属子域，避免每次组装完整地址都要回查 Profile
	Subdomain string `json:"subdomain" gorm:"type:varchar(63);index"`
}

// MetricsID 返回 "D" + 数字 ID
func (a *DomainAddress) MetricsID() string { return fmt.Sprintf("D%d", a.ID) }

// FullAddress 返回 <local>@<subdomain>.<maskDomain>
func (a *DomainAddress) FullAddress(maskDomain string) string {
	return a.Address + "@" + a.Subdomain + "." + maskDomain
}

func (a *DomainAddress) OwnerID() string  { return a.UserID }
func (a *DomainAddress) IsEnabled() bool  { return a.Enabled }
func (a *DomainAddress) BlocksList() bool { return a.BlockListEmails }
func (a *DomainAddress) IsRandom() bool   { return false }

// DeletedAddress 是已删除掩码的墓碑记录：只保留加盐哈希，不含 PII，
// 用于阻止同一本地部分被重新创建。同一哈希允许出现多条（并发删除时的竞态）。
type DeletedAddress struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AddressHash string    `json:"-" gorm:"type:varchar(64);index;not null"`
	CreatedAt   time.Time `json:"createdAt"`
	// 删除时快照的聚合计数，保留在 Profile 级统计中
	NumForwarded int `json:"-" gorm:"default:0"`
	NumBlocked   int `json:"-" gorm:"default:0"`
}

// RegisteredSubdomain 记录曾被占用的子域哈希，用户注销后也不允许复用。
type RegisteredSubdomain struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SubdomainHash string    `json:"-" gorm:"uniqueIndex;type:varchar(64);not null"`
	CreatedAt     time.Time `json:"createdAt"`
}
