package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/backend/internal/domain"
	"relay/backend/internal/provider/s3"
	"relay/backend/internal/sns"
	"relay/backend/internal/storage/memory"
)

const procTopic = "arn:aws:sns:us-east-1:123456789012:inbound-email"

// mockContent 对象存储替身
type mockContent struct {
	objects map[string][]byte
	fail    error
	fetched int
	deleted []string
}

func (c *mockContent) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	c.fetched++
	if c.fail != nil {
		return nil, c.fail
	}
	data, ok := c.objects[bucket+"/"+key]
	if !ok {
		return nil, s3.ErrContentMissing
	}
	return data, nil
}

func (c *mockContent) Delete(_ context.Context, bucket, key string) error {
	c.deleted = append(c.deleted, bucket+"/"+key)
	return nil
}

// newProcessor 组装完整的处理管道，签名验证在测试中关闭
func newProcessor(store *memory.Store, dispatcher Dispatcher, content ContentStore) *Processor {
	cfg := testConfig()
	log := zap.NewNop()
	metrics := testMetrics()
	emitter := testEmitter()
	verifier := sns.NewVerifier([]string{procTopic}, sns.WithoutSignatureCheck())
	resolver := NewResolverService(store, domain.NewMaskValidator(nil), cfg, metrics, emitter, log)
	policy := NewPolicyEngine(store, store, cfg, log)
	forwarder := NewForwardService(store, policy, dispatcher, StaticFlags{}, cfg, metrics, emitter, log)
	notifier := NewNotifier(dispatcher, cfg, log)
	replySvc := NewReplyService(store, store, dispatcher, notifier, cfg, metrics, emitter, log)
	sink := NewSinkService(store, resolver, notifier, StaticFlags{}, cfg, metrics, log)
	return NewProcessor(verifier, content, resolver, policy, forwarder, replySvc, sink,
		cfg, metrics, emitter, log)
}

func envelope(t *testing.T, msg *domain.SESMessage) []byte {
	t.Helper()
	inner, err := json.Marshal(msg)
	assert.NoError(t, err)
	raw, err := json.Marshal(domain.SNSEnvelope{
		Type:     domain.SNSTypeNotification,
		TopicArn: procTopic,
		Message:  string(inner),
	})
	assert.NoError(t, err)
	return raw
}

func receivedMessage(recipient, content string) *domain.SESMessage {
	return &domain.SESMessage{
		NotificationType: domain.NotificationReceived,
		Mail:             &domain.SESMail{Destination: []string{recipient}},
		Receipt: &domain.SESReceipt{
			Recipients:   []string{recipient},
			SpamVerdict:  &domain.SESVerdict{Status: domain.VerdictPass},
			DMARCVerdict: &domain.SESVerdict{Status: domain.VerdictPass},
		},
		Content: content,
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("信封无法验证", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		raw, err := json.Marshal(domain.SNSEnvelope{
			Type:     domain.SNSTypeNotification,
			TopicArn: "arn:aws:sns:us-east-1:999:other-topic",
			Message:  "{}",
		})
		assert.NoError(t, err)

		_, perr := p.Process(ctx, raw)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonInvalidNotification, perr.Reason)
		assert.Equal(t, 400, perr.Status)
		assert.False(t, perr.Retryable)
	})

	t.Run("订阅确认只落日志", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		raw, err := json.Marshal(domain.SNSEnvelope{
			Type:         domain.SNSTypeSubscriptionConfirmation,
			TopicArn:     procTopic,
			Token:        "token",
			SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
			Message:      "You have chosen to subscribe",
		})
		assert.NoError(t, err)

		out, perr := p.Process(ctx, raw)
		assert.Nil(t, perr)
		assert.Equal(t, "Logged SubscribeURL", out.Body)
	})

	t.Run("送达确认直接确认", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		out, perr := p.Process(ctx, envelope(t, &domain.SESMessage{
			NotificationType: domain.NotificationDelivery,
			Delivery:         &domain.SESDelivery{},
		}))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)
	})

	t.Run("退信通知更新档案", func(t *testing.T) {
		store := memory.NewStore()
		user, _, _ := seedMaskOwner(t, store)
		p := newProcessor(store, &mockDispatcher{}, &mockContent{})

		out, perr := p.Process(ctx, envelope(t, &domain.SESMessage{
			NotificationType: domain.NotificationBounce,
			Bounce: &domain.SESBounce{
				BounceType: "Permanent",
				BouncedRecipients: []domain.SESBouncedRecipient{
					{EmailAddress: user.Email},
				},
			},
		}))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)

		profile, err := store.GetProfileByUserID(user.ID)
		assert.NoError(t, err)
		assert.NotNil(t, profile.LastHardBounce)
	})

	t.Run("内联正文成功转发", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{}
		p := newProcessor(store, dispatcher, &mockContent{})

		msg := receivedMessage("abc123xyz@test.com", string(rawInbound("alice@sender.example", "abc123xyz@test.com")))
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, "Sent email to final recipient.", out.Body)
		assert.Len(t, dispatcher.destinations, 1)
	})

	t.Run("BASE64内联正文解码", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{}
		p := newProcessor(store, dispatcher, &mockContent{})

		msg := receivedMessage("abc123xyz@test.com",
			base64.StdEncoding.EncodeToString(rawInbound("alice@sender.example", "abc123xyz@test.com")))
		msg.Receipt.Action = &domain.SESAction{Type: "SNS", Encoding: "BASE64"}
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)
		assert.Len(t, dispatcher.destinations, 1)
	})

	t.Run("对象存储取回并在终局后删除", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{}
		content := &mockContent{objects: map[string][]byte{
			"inbound-bucket/emails/msg-1": rawInbound("alice@sender.example", "abc123xyz@test.com"),
		}}
		p := newProcessor(store, dispatcher, content)

		msg := receivedMessage("abc123xyz@test.com", "")
		msg.Receipt.Action = &domain.SESAction{Type: "S3", BucketName: "inbound-bucket", ObjectKey: "emails/msg-1"}
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)
		assert.Equal(t, []string{"inbound-bucket/emails/msg-1"}, content.deleted)
	})

	t.Run("对象缺失不重试", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		p := newProcessor(store, &mockDispatcher{}, &mockContent{})

		msg := receivedMessage("abc123xyz@test.com", "")
		msg.Receipt.Action = &domain.SESAction{Type: "S3", BucketName: "inbound-bucket", ObjectKey: "emails/gone"}
		_, perr := p.Process(ctx, envelope(t, msg))
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonContentMissing, perr.Reason)
		assert.Equal(t, 404, perr.Status)
		assert.False(t, perr.Retryable)
	})

	t.Run("存储故障可重试", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		content := &mockContent{fail: errors.New("connection timeout")}
		p := newProcessor(store, &mockDispatcher{}, content)

		msg := receivedMessage("abc123xyz@test.com", "")
		msg.Receipt.Action = &domain.SESAction{Type: "S3", BucketName: "inbound-bucket", ObjectKey: "emails/msg-1"}
		_, perr := p.Process(ctx, envelope(t, msg))
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonErrorStorage, perr.Reason)
		assert.True(t, perr.Retryable)
	})

	t.Run("DMARC拒绝先于正文取回", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		content := &mockContent{objects: map[string][]byte{}}
		p := newProcessor(store, &mockDispatcher{}, content)

		msg := receivedMessage("abc123xyz@test.com", "")
		msg.Receipt.DMARCVerdict = &domain.SESVerdict{Status: domain.VerdictFail}
		msg.Receipt.DMARCPolicy = domain.DMARCPolicyReject
		msg.Receipt.Action = &domain.SESAction{Type: "S3", BucketName: "inbound-bucket", ObjectKey: "emails/msg-1"}

		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 400, out.Status)
		assert.Equal(t, ReasonDMARCRejectFailed, out.Reason)
		assert.Zero(t, content.fetched)
		assert.Equal(t, []string{"inbound-bucket/emails/msg-1"}, content.deleted)
	})

	t.Run("noreply地址确认但不投递", func(t *testing.T) {
		store := memory.NewStore()
		dispatcher := &mockDispatcher{}
		p := newProcessor(store, dispatcher, &mockContent{})

		msg := receivedMessage("noreply@test.com", string(rawInbound("alice@sender.example", "noreply@test.com")))
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)
		assert.Equal(t, "noreply", out.Reason)
		assert.Empty(t, dispatcher.destinations)
	})

	t.Run("未知收件人返回404结局", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		msg := receivedMessage("nosuchmask@test.com", string(rawInbound("alice@sender.example", "nosuchmask@test.com")))
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 404, out.Status)
		assert.Equal(t, ReasonUnknownAddress, out.Reason)
	})

	t.Run("策略拦截累加掩码计数", func(t *testing.T) {
		store := memory.NewStore()
		_, _, addr := seedMaskOwner(t, store)
		assert.NoError(t, store.UpdateMaskEnabled(addr, false))
		dispatcher := &mockDispatcher{}
		p := newProcessor(store, dispatcher, &mockContent{})

		msg := receivedMessage("abc123xyz@test.com", string(rawInbound("alice@sender.example", "abc123xyz@test.com")))
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)
		assert.Equal(t, ReasonBlockAll, out.Reason)
		assert.Empty(t, dispatcher.destinations)

		saved, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, saved.NumBlocked)
	})

	t.Run("回复路由进入回复管道", func(t *testing.T) {
		store := memory.NewStore()
		_, addr := premiumOwner(t, store)
		seedReplyRecord(t, store, addr.ID, domain.ReplyMetadata{
			MessageID: "<original-123@sender.example>",
			From:      "alice@sender.example",
		})
		dispatcher := &mockDispatcher{}
		p := newProcessor(store, dispatcher, &mockContent{})

		reply := rawReply("In-Reply-To: " + outboundMessageID + "\r\n")
		msg := receivedMessage("replies@default.com", string(reply))
		out, perr := p.Process(ctx, envelope(t, msg))
		assert.Nil(t, perr)
		assert.Equal(t, "Sent reply to original sender.", out.Body)
		assert.Equal(t, [][]string{{"alice@sender.example"}}, dispatcher.destinations)
	})

	t.Run("通知不含收件人拒绝", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		msg := &domain.SESMessage{
			NotificationType: domain.NotificationReceived,
			Mail:             &domain.SESMail{},
			Receipt:          &domain.SESReceipt{},
			Content:          "From: a@b.c\r\n\r\nx",
		}
		_, perr := p.Process(ctx, envelope(t, msg))
		assert.NotNil(t, perr)
		assert.Equal(t, 400, perr.Status)
	})

	t.Run("收信通知缺少回执拒绝", func(t *testing.T) {
		p := newProcessor(memory.NewStore(), &mockDispatcher{}, &mockContent{})

		msg := &domain.SESMessage{
			NotificationType: domain.NotificationReceived,
			Mail:             &domain.SESMail{Destination: []string{"abc123xyz@test.com"}},
		}
		_, perr := p.Process(ctx, envelope(t, msg))
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonInvalidNotification, perr.Reason)
	})

	t.Run("处理时间取回执时间戳", func(t *testing.T) {
		receipt := &domain.SESReceipt{Timestamp: "2024-05-01T12:00:00Z"}
		got := receiptTime(receipt, time.Now())
		assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), got)

		fallback := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, fallback, receiptTime(&domain.SESReceipt{}, fallback))
		assert.Equal(t, fallback, receiptTime(&domain.SESReceipt{Timestamp: "not-a-time"}, fallback))
	})
}
