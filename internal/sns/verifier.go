// Package sns 实现云发布订阅信封的验签与分类。
//
// 验证顺序（首个失败即返回对应错误）：
//  1. TopicArn 必须存在且在允许集合内
//  2. Type 必须是 SubscriptionConfirmation 或 Notification
//  3. 信封签名必须能用 SigningCertURL 发布的证书验证
//  4. 内层 Message 必须含有受支持的 notificationType 或 eventType（二者恰一）
package sns

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"relay/backend/internal/domain"
)

var (
	// ErrMissingTopic 信封缺少 TopicArn
	ErrMissingTopic = errors.New("notification is missing TopicArn")
	// ErrWrongTopic TopicArn 不在允许集合内
	ErrWrongTopic = errors.New("notification has unexpected TopicArn")
	// ErrUnsupportedType 信封 Type 不受支持
	ErrUnsupportedType = errors.New("unsupported SNS message type")
	// ErrBadEnvelope 信封 JSON 无法解析
	ErrBadEnvelope = errors.New("malformed SNS envelope")
	// ErrBadSignature 签名验证失败
	ErrBadSignature = errors.New("invalid SNS signature")
	// ErrBadCertURL 证书 URL 不是受信任的服务商地址
	ErrBadCertURL = errors.New("untrusted SigningCertURL")
	// ErrUnsupportedNotification 内层消息类型不受支持
	ErrUnsupportedNotification = errors.New("unsupported notification content")
)

// certHostRegex SigningCertURL 必须指向服务商的 SNS 域名
var certHostRegex = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com$`)

// Kind 分类后的通知变体
type Kind int

const (
	KindReceived Kind = iota
	KindBounce
	KindComplaint
	KindDelivery
	KindEvent
	KindSubscriptionConfirmation
)

// Classified 是验签并分类后的通知
type Classified struct {
	Kind     Kind
	Envelope *domain.SNSEnvelope
	Message  *domain.SESMessage
}

// Verifier 云通知验签器
type Verifier struct {
	allowedTopics map[string]struct{}
	client        *http.Client
	certs         *certCache
	skipSignature bool
}

// Option Verifier 的构造选项
type Option func(*Verifier)

// WithHTTPClient 替换拉取证书用的 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) { v.client = client }
}

// WithoutSignatureCheck 跳过签名验证，仅用于本地开发与测试
func WithoutSignatureCheck() Option {
	return func(v *Verifier) { v.skipSignature = true }
}

// NewVerifier 创建验签器；allowedTopics 是允许的 TopicArn 集合
func NewVerifier(allowedTopics []string, opts ...Option) *Verifier {
	topics := make(map[string]struct{}, len(allowedTopics))
	for _, topic := range allowedTopics {
		topics[topic] = struct{}{}
	}
	v := &Verifier{
		allowedTopics: topics,
		client:        &http.Client{Timeout: 10 * time.Second},
		certs:         newCertCache(6 * time.Hour),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyAndClassify 验证原始信封并分类内层消息
func (v *Verifier) VerifyAndClassify(raw []byte) (*Classified, error) {
	var envelope domain.SNSEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	// 1. TopicArn
	if envelope.TopicArn == "" {
		return nil, ErrMissingTopic
	}
	if _, ok := v.allowedTopics[envelope.TopicArn]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongTopic, envelope.TopicArn)
	}

	// 2. Type
	switch envelope.Type {
	case domain.SNSTypeNotification, domain.SNSTypeSubscriptionConfirmation:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, envelope.Type)
	}

	// 3. 签名
	if !v.skipSignature {
		if err := v.verifySignature(&envelope); err != nil {
			return nil, err
		}
	}

	if envelope.Type == domain.SNSTypeSubscriptionConfirmation {
		return &Classified{Kind: KindSubscriptionConfirmation, Envelope: &envelope}, nil
	}

	// 4. 内层消息
	var message domain.SESMessage
	if err := json.Unmarshal([]byte(envelope.Message), &message); err != nil {
		return nil, fmt.Errorf("%w: inner message: %v", ErrBadEnvelope, err)
	}
	kind, err := classify(&message)
	if err != nil {
		return nil, err
	}

	return &Classified{Kind: kind, Envelope: &envelope, Message: &message}, nil
}

// classify 把内层消息映射到变体；notificationType 与 eventType 必须恰好出现一个
func classify(message *domain.SESMessage) (Kind, error) {
	hasNotification := message.NotificationType != ""
	hasEvent := message.EventType != ""
	if hasNotification == hasEvent {
		return 0, fmt.Errorf("%w: exactly one of notificationType/eventType required", ErrUnsupportedNotification)
	}

	if hasEvent {
		if !domain.IsKnownEventType(message.EventType) {
			return 0, fmt.Errorf("%w: eventType %q", ErrUnsupportedNotification, message.EventType)
		}
		return KindEvent, nil
	}

	switch message.NotificationType {
	case domain.NotificationReceived:
		return KindReceived, nil
	case domain.NotificationBounce:
		return KindBounce, nil
	case domain.NotificationComplaint:
		return KindComplaint, nil
	case domain.NotificationDelivery:
		return KindDelivery, nil
	default:
		return 0, fmt.Errorf("%w: notificationType %q", ErrUnsupportedNotification, message.NotificationType)
	}
}

// verifySignature 用发布的证书验证信封签名
func (v *Verifier) verifySignature(envelope *domain.SNSEnvelope) error {
	cert, err := v.fetchCert(envelope.SigningCertURL)
	if err != nil {
		return err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrBadSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}

	canonical := CanonicalString(envelope)

	var hash crypto.Hash
	switch envelope.SignatureVersion {
	case "", "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("%w: signature version %q", ErrBadSignature, envelope.SignatureVersion)
	}

	hasher := hash.New()
	hasher.Write([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(pub, hash, hasher.Sum(nil), signature); err != nil {
		return ErrBadSignature
	}
	return nil
}

// CanonicalString 按服务商的规范化规则组装待签名串。
// 字段按固定顺序以 "name\nvalue\n" 拼接，缺省字段跳过。
func CanonicalString(envelope *domain.SNSEnvelope) string {
	var pairs []struct{ name, value string }

	if envelope.Type == domain.SNSTypeNotification {
		pairs = []struct{ name, value string }{
			{"Message", envelope.Message},
			{"MessageId", envelope.MessageID},
			{"Subject", envelope.Subject},
			{"Timestamp", envelope.Timestamp},
			{"TopicArn", envelope.TopicArn},
			{"Type", envelope.Type},
		}
	} else {
		pairs = []struct{ name, value string }{
			{"Message", envelope.Message},
			{"MessageId", envelope.MessageID},
			{"SubscribeURL", envelope.SubscribeURL},
			{"Timestamp", envelope.Timestamp},
			{"Token", envelope.Token},
			{"TopicArn", envelope.TopicArn},
			{"Type", envelope.Type},
		}
	}

	var b strings.Builder
	for _, pair := range pairs {
		if pair.name == "Subject" && pair.value == "" {
			continue
		}
		b.WriteString(pair.name)
		b.WriteByte('\n')
		b.WriteString(pair.value)
		b.WriteByte('\n')
	}
	return b.String()
}

// fetchCert 拉取并解析签名证书，带 TTL 缓存
func (v *Verifier) fetchCert(certURL string) (*x509.Certificate, error) {
	if err := validateCertURL(certURL); err != nil {
		return nil, err
	}

	pemBytes, ok := v.certs.Get(certURL)
	if !ok {
		resp, err := v.client.Get(certURL)
		if err != nil {
			return nil, fmt.Errorf("fetch signing cert: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch signing cert: status %d", resp.StatusCode)
		}
		pemBytes, err = io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return nil, fmt.Errorf("read signing cert: %w", err)
		}
		v.certs.Set(certURL, pemBytes)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in certificate", ErrBadSignature)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return cert, nil
}

// validateCertURL 证书必须通过 https 从服务商的 SNS 域名发布
func validateCertURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCertURL, err)
	}
	if u.Scheme != "https" || !certHostRegex.MatchString(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBadCertURL, certURL)
	}
	return nil
}
