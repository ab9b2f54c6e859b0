// Package replies 实现回复记录的密钥派生与元数据封存。
//
// 从外发邮件的 Message-ID 字节串确定性地派生两把 16 字节密钥：
// lookup_key 作为数据库索引（base64url），encryption_key 用于 AEAD
// 封存原始发件人元数据。明文映射不落库，收到回复时用 In-Reply-To
// 中的 Message-ID 重新派生即可定位并解密。
package replies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"relay/backend/internal/domain"
)

const keySize = 16

// 派生标签，两把密钥必须彼此独立
const (
	infoLookup     = "relay-lookup"
	infoEncryption = "relay-encryption"
)

var (
	// ErrDecryptFailed 元数据解密失败（密钥不匹配或密文被篡改）
	ErrDecryptFailed = errors.New("reply metadata decrypt failed")
	// ErrCiphertextTooShort 密文长度不足以包含 nonce
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Keys 由单个 Message-ID 派生出的一对密钥
type Keys struct {
	Lookup     []byte
	Encryption []byte
}

// DeriveKeys 从 Message-ID 派生查找键与加密键。
// Message-ID 两侧的尖括号与空白不参与派生，保证头部书写差异不影响结果。
func DeriveKeys(messageID string) (Keys, error) {
	normalized := strings.TrimSpace(messageID)
	normalized = strings.TrimPrefix(normalized, "<")
	normalized = strings.TrimSuffix(normalized, ">")
	if normalized == "" {
		return Keys{}, errors.New("empty message id")
	}

	lookup, err := derive(normalized, infoLookup)
	if err != nil {
		return Keys{}, err
	}
	encryption, err := derive(normalized, infoEncryption)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Lookup: lookup, Encryption: encryption}, nil
}

func derive(messageID, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(messageID), nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// LookupKey 返回查找键的 base64url 编码，作为 Reply 表的索引值
func (k Keys) LookupKey() string {
	return base64.RawURLEncoding.EncodeToString(k.Lookup)
}

// Seal 用加密键封存回复元数据，返回 base64 编码的 nonce||ciphertext
func Seal(key []byte, meta domain.ReplyMetadata) (string, error) {
	plaintext, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal 用加密键解开封存的元数据
func Unseal(key []byte, encrypted string) (*domain.ReplyMetadata, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	var meta domain.ReplyMetadata
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
