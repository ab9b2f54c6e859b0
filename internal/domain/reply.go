package domain

import "time"

// Reply 表示一条可被回复的外发（用户→外部）邮件记录。
//
// Lookup 是由外发 Message-ID 派生的 16 字节查找键（base64url），
// EncryptedMetadata 用同一 Message-ID 派生的另一把密钥 AEAD 封存，
// 明文内容为 ReplyMetadata。明文的原始发件人映射不落库。
type Reply struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Lookup            string    `json:"-" gorm:"uniqueIndex;type:varchar(32);not null"`
	EncryptedMetadata string    `json:"-" gorm:"type:text;not null"`
	RelayAddressID    *uint     `json:"-" gorm:"index"`
	DomainAddressID   *uint     `json:"-" gorm:"index"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ReplyMetadata 是封存在 Reply.EncryptedMetadata 中的 JSON 明文
type ReplyMetadata struct {
	MessageID string `json:"message-id"` // 入站邮件的原始 Message-ID
	From      string `json:"from"`       // 原始发件人地址
	ReplyTo   string `json:"reply-to,omitempty"`
}
