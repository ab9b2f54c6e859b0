// Package ses 实现出站邮件分发器（§邮件分发），走 AWS SES v2 的原始 MIME 发送。
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"
)

// SendError 发送失败，携带是否可重试的判定。
// 可重试的失败把消息留在队列上等服务商重投；不可重试的立即删除。
type SendError struct {
	Err       error
	Retryable bool
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ConfigSet       string  // SES configuration set，用于回流退信/投诉事件
	MaxSendRate     float64 // 每秒发送上限；0 表示不限速
}

// SendEmailAPI SES v2 SendEmail 操作的窄接口，便于测试替身
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Dispatcher 出站邮件分发器
type Dispatcher struct {
	client    SendEmailAPI
	configSet string
	limiter   *rate.Limiter
}

// New 创建分发器
func New(ctx context.Context, cfg DispatcherConfig) (*Dispatcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigSet, cfg.MaxSendRate), nil
}

// NewWithClient 使用自定义客户端创建分发器，用于测试
func NewWithClient(client SendEmailAPI, configSet string, maxSendRate float64) *Dispatcher {
	var limiter *rate.Limiter
	if maxSendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxSendRate), 1)
	}
	return &Dispatcher{client: client, configSet: configSet, limiter: limiter}
}

// SendRaw 发送原始 MIME。成功返回服务商的 message id；
// 失败返回 *SendError，Retryable 按服务商错误类型判定。
func (d *Dispatcher) SendRaw(ctx context.Context, source string, destinations []string, raw []byte) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", &SendError{Err: err, Retryable: true}
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(source),
		Destination:      &types.Destination{ToAddresses: destinations},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if d.configSet != "" {
		input.ConfigurationSetName = aws.String(d.configSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return "", &SendError{Err: err, Retryable: isRetryable(err)}
	}
	return aws.ToString(out.MessageId), nil
}

// isRetryable 判定服务商错误是否可重试。
// 内容被拒、账号暂停、发件域未验证属于确定性失败；
// 限流与服务端错误留给队列重投。
func isRetryable(err error) bool {
	var rejected *types.MessageRejected
	var suspended *types.AccountSuspendedException
	var unverified *types.MailFromDomainNotVerifiedException
	var badContent *types.BadRequestException
	if errors.As(err, &rejected) || errors.As(err, &suspended) ||
		errors.As(err, &unverified) || errors.As(err, &badContent) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "TooManyRequestsException", "InternalServiceError", "ServiceUnavailable":
			return true
		}
	}
	// 网络层错误等未知失败按可重试处理
	return true
}
