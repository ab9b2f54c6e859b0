package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidLocalPart  = errors.New("invalid local part format")
	ErrLocalPartTooLong  = errors.New("local part too long (max 64 chars)")
	ErrBlockedWord       = errors.New("local part contains a blocked word")
	ErrInvalidSubdomain  = errors.New("invalid subdomain format")
	ErrSubdomainTooLong  = errors.New("subdomain too long (max 63 chars)")
)

// 验证常量
const (
	MaxLocalPartLength = 64
	MaxSubdomainLength = 63
	// RandomLocalPartLength 随机掩码本地部分的默认长度
	RandomLocalPartLength = 9
)

// 正则表达式
var (
	// 掩码本地部分：小写字母数字开头结尾，中间允许 . - _
	localPartRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

	// 子域：小写字母数字开头结尾，中间允许 -
	subdomainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// badWords 不允许出现在按需创建的子域掩码本地部分中的词。
// 列表来自运营侧的屏蔽词清单，这里只内置最小集合，可由配置补充。
var badWords = []string{
	"admin", "postmaster", "webmaster", "abuse", "hostmaster",
}

// blockedSubdomains 不允许注册的子域
var blockedSubdomains = []string{
	"www", "mail", "smtp", "relay", "api", "admin",
}

// randomAlphabet 随机掩码本地部分的字母表（小写字母数字）
const randomAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// MaskValidator 掩码地址验证器
type MaskValidator struct {
	extraBadWords []string
}

// NewMaskValidator 创建掩码验证器；extraBadWords 追加到内置屏蔽词之后
func NewMaskValidator(extraBadWords []string) *MaskValidator {
	return &MaskValidator{extraBadWords: extraBadWords}
}

// ValidateLocalPart 验证按需创建的子域掩码本地部分
func (v *MaskValidator) ValidateLocalPart(local string) error {
	if local == "" {
		return ErrInvalidLocalPart
	}
	if len(local) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(local) {
		return ErrInvalidLocalPart
	}
	// 不允许连续的特殊字符
	for _, seq := range []string{"..", ".-", "-.", "--", "__", "_.", "._"} {
		if strings.Contains(local, seq) {
			return ErrInvalidLocalPart
		}
	}
	if v.IsBadWord(local) {
		return ErrBlockedWord
	}
	return nil
}

// IsBadWord 判断本地部分是否命中屏蔽词
func (v *MaskValidator) IsBadWord(local string) bool {
	lower := strings.ToLower(local)
	for _, w := range badWords {
		if lower == w {
			return true
		}
	}
	for _, w := range v.extraBadWords {
		if lower == strings.ToLower(w) {
			return true
		}
	}
	return false
}

// ValidateSubdomain 验证用户自定义子域
func ValidateSubdomain(subdomain string) error {
	if subdomain == "" {
		return ErrInvalidSubdomain
	}
	if len(subdomain) > MaxSubdomainLength {
		return ErrSubdomainTooLong
	}
	if !subdomainRegex.MatchString(subdomain) {
		return ErrInvalidSubdomain
	}
	for _, blocked := range blockedSubdomains {
		if subdomain == blocked {
			return ErrInvalidSubdomain
		}
	}
	return nil
}

// HashAddress 计算墓碑记录使用的加盐哈希。
// 输入为完整地址（local@domain 或 local@subdomain.domain）的小写形式。
func HashAddress(address, salt string) string {
	sum := sha256.Sum256([]byte(salt + strings.ToLower(address)))
	return hex.EncodeToString(sum[:])
}

// HashSubdomain 计算子域注册表使用的加盐哈希
func HashSubdomain(subdomain, salt string) string {
	sum := sha256.Sum256([]byte(salt + strings.ToLower(subdomain)))
	return hex.EncodeToString(sum[:])
}

// GenerateRandomLocalPart 生成随机掩码的本地部分
func GenerateRandomLocalPart() (string, error) {
	b := make([]byte, RandomLocalPartLength)
	max := big.NewInt(int64(len(randomAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = randomAlphabet[n.Int64()]
	}
	return string(b), nil
}
