// Package s3 实现收件内容存储的取回与清理。
// SES 接收动作把完整 MIME 写入桶内，处理完成后由本端删除。
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrContentMissing 对象不存在。内容已被清理或从未落桶，
// 这类消息不可重试，直接出队。
var ErrContentMissing = errors.New("email content not found in object store")

// ObjectAPI S3 操作的窄接口，便于测试替身
type ObjectAPI interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// StoreConfig 内容存储配置
type StoreConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MaxObjectBytes  int64 // 单封邮件上限；0 表示不限制
}

// Store 收件内容存储
type Store struct {
	api      ObjectAPI
	maxBytes int64
}

// New 创建内容存储客户端
func New(ctx context.Context, cfg StoreConfig) (*Store, error) {
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

	return NewWithClient(awss3.NewFromConfig(awsCfg), cfg.MaxObjectBytes), nil
}

// NewWithClient 使用自定义客户端创建，用于测试
func NewWithClient(api ObjectAPI, maxBytes int64) *Store {
	return &Store{api: api, maxBytes: maxBytes}
}

// Fetch 取回完整 MIME。对象缺失返回 ErrContentMissing，
// 其余失败（网络、权限）视作存储暂时不可用，可重试。
func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrContentMissing
		}
		return nil, fmt.Errorf("failed to fetch email content: %w", err)
	}
	defer out.Body.Close()

	var reader io.Reader = out.Body
	if s.maxBytes > 0 {
		reader = io.LimitReader(out.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read email content: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("email content exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

// Delete 清理已处理的邮件对象。删除失败只记录不阻断，
// 由生命周期规则兜底。
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete email content: %w", err)
	}
	return nil
}
