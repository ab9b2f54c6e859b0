// Package sqs 封装入站邮件队列的拉取、删除与积压观测。
package sqs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// QueueAPI SQS 操作的窄接口，便于测试替身
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Message 队列消息
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
}

// Counts 队列积压快照
type Counts struct {
	Visible    int // 可见待处理
	Delayed    int // 延迟投递中
	NotVisible int // 已被领取但未删除
}

// ClientConfig 队列客户端配置
type ClientConfig struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	QueueURL          string
	BatchSize         int32 // 单次拉取条数，上限 10
	WaitSeconds       int32 // 长轮询等待秒数
	VisibilitySeconds int32 // 领取后的不可见窗口
}

// Client 入站邮件队列客户端
type Client struct {
	api QueueAPI
	cfg ClientConfig
}

// New 创建队列客户端
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
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

	return NewWithClient(awssqs.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient 使用自定义客户端创建，用于测试
func NewWithClient(api QueueAPI, cfg ClientConfig) *Client {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	return &Client{api: api, cfg: cfg}
}

// Poll 长轮询拉取一批消息；队列为空时返回空切片而非错误
func (c *Client) Poll(ctx context.Context) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.BatchSize,
		WaitTimeSeconds:     c.cfg.WaitSeconds,
		VisibilityTimeout:   c.cfg.VisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

// Delete 删除已处理完毕的消息
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// BacklogCounts 读取队列近似积压量
func (c *Client) BacklogCounts(ctx context.Context) (Counts, error) {
	out, err := c.api.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesDelayed,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	get := func(name sqstypes.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(name)])
		return n
	}
	return Counts{
		Visible:    get(sqstypes.QueueAttributeNameApproximateNumberOfMessages),
		Delayed:    get(sqstypes.QueueAttributeNameApproximateNumberOfMessagesDelayed),
		NotVisible: get(sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
	}, nil
}
