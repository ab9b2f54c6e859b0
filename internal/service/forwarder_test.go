package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/backend/internal/domain"
	"relay/backend/internal/email"
	"relay/backend/internal/provider/ses"
	"relay/backend/internal/replies"
	"relay/backend/internal/storage/memory"
)

// mockDispatcher 记录每次外发调用的测试替身
type mockDispatcher struct {
	fail         error
	sources      []string
	destinations [][]string
	rawMessages  [][]byte
}

func (d *mockDispatcher) SendRaw(_ context.Context, source string, destinations []string, raw []byte) (string, error) {
	if d.fail != nil {
		return "", d.fail
	}
	d.sources = append(d.sources, source)
	d.destinations = append(d.destinations, destinations)
	d.rawMessages = append(d.rawMessages, raw)
	return "provider-message-id", nil
}

func rawInbound(from, to string) []byte {
	return []byte("From: Sender <" + from + ">\r\n" +
		"To: " + to + "\r\n" +
		"Subject: hello\r\n" +
		"Message-ID: <original-123@sender.example>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hi there.\r\n")
}

func newForwarder(store *memory.Store, dispatcher Dispatcher, flags StaticFlags) *ForwardService {
	cfg := testConfig()
	policy := NewPolicyEngine(store, store, cfg, zap.NewNop())
	return NewForwardService(store, policy, dispatcher, flags, cfg,
		testMetrics(), testEmitter(), zap.NewNop())
}

func TestForwardService(t *testing.T) {
	ctx := context.Background()
	receivedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("成功转发后落库", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: mustProfile(t, store, user.ID)}

		out, perr := svc.Forward(ctx, res, rawInbound("alice@sender.example", "abc123xyz@test.com"), receivedAt)
		assert.Nil(t, perr)
		assert.Equal(t, 200, out.Status)

		// 外发走回复路由地址，投往真实邮箱
		assert.Equal(t, []string{"replies@default.com"}, dispatcher.sources)
		assert.Equal(t, [][]string{{"owner@example.com"}}, dispatcher.destinations)

		saved, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, saved.NumForwarded)

		profile, err := store.GetProfileByUserID(user.ID)
		assert.NoError(t, err)
		assert.NotNil(t, profile.LastEngagement)
	})

	t.Run("回复记录可按外发MessageID找回", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: mustProfile(t, store, user.ID)}

		_, perr := svc.Forward(ctx, res, rawInbound("alice@sender.example", "abc123xyz@test.com"), receivedAt)
		assert.Nil(t, perr)

		headerBlock, _ := email.SplitMessage(dispatcher.rawMessages[0])
		messageID := email.ParseHeaders(headerBlock).Get("Message-Id")
		assert.NotEmpty(t, messageID)

		keys, err := replies.DeriveKeys(messageID)
		assert.NoError(t, err)
		record, err := store.GetReplyByLookup(keys.LookupKey())
		assert.NoError(t, err)
		assert.Equal(t, addr.ID, *record.RelayAddressID)

		meta, err := replies.Unseal(keys.Encryption, record.EncryptedMetadata)
		assert.NoError(t, err)
		assert.Equal(t, "<original-123@sender.example>", meta.MessageID)
		assert.Equal(t, "alice@sender.example", meta.From)
	})

	t.Run("发送失败不落库", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{fail: errors.New("connection reset")}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: mustProfile(t, store, user.ID)}

		_, perr := svc.Forward(ctx, res, rawInbound("alice@sender.example", "abc123xyz@test.com"), receivedAt)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonErrorSending, perr.Reason)
		assert.True(t, perr.Retryable)

		saved, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Zero(t, saved.NumForwarded)

		profile, err := store.GetProfileByUserID(user.ID)
		assert.NoError(t, err)
		assert.Nil(t, profile.LastEngagement)
	})

	t.Run("服务商明确拒绝不重试", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		dispatcher := &mockDispatcher{fail: &ses.SendError{Err: errors.New("message rejected"), Retryable: false}}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: mustProfile(t, store, user.ID)}

		_, perr := svc.Forward(ctx, res, rawInbound("alice@sender.example", "abc123xyz@test.com"), receivedAt)
		assert.NotNil(t, perr)
		assert.Equal(t, 400, perr.Status)
		assert.False(t, perr.Retryable)
	})

	t.Run("From无法解析可重试", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		svc := newForwarder(store, &mockDispatcher{}, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: mustProfile(t, store, user.ID)}

		raw := []byte("To: abc123xyz@test.com\r\nSubject: x\r\n\r\nbody\r\n")
		_, perr := svc.Forward(ctx, res, raw, receivedAt)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonErrorFromHeader, perr.Reason)
		assert.True(t, perr.Retryable)
	})

	t.Run("国际化域名转码后投递", func(t *testing.T) {
		store := memory.NewStore()
		user := &domain.User{ID: "user-9", FxaID: "fxa-9", Email: "owner@bücher.example", IsActive: true}
		assert.NoError(t, store.CreateUser(user))
		profile := &domain.Profile{ID: "profile-9", UserID: user.ID, ServerStorage: true, Language: "en"}
		assert.NoError(t, store.SaveProfile(profile))
		addr := &domain.RelayAddress{UserID: user.ID, Address: "idnmask01", DomainID: domain.DomainMask, Enabled: true}
		assert.NoError(t, store.SaveRelayAddress(addr))

		dispatcher := &mockDispatcher{}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: profile}

		_, perr := svc.Forward(ctx, res, rawInbound("alice@sender.example", "idnmask01@test.com"), receivedAt)
		assert.Nil(t, perr)
		assert.Equal(t, []string{"owner@xn--bcher-kva.example"}, dispatcher.destinations[0])
	})

	t.Run("移除跟踪器并计数", func(t *testing.T) {
		store := memory.NewStore()
		user, profile, addr := seedMaskOwner(t, store)
		profile.RemoveLevelOneTrackers = true
		assert.NoError(t, store.SaveProfile(profile))

		dispatcher := &mockDispatcher{}
		svc := newForwarder(store, dispatcher, StaticFlags{})
		svc.cfg.Relay.TrackerHosts = []string{"tracker.example"}
		res := &Resolved{Kind: RouteMask, Mask: addr, User: user, Profile: profile}

		raw := []byte("From: Sender <alice@sender.example>\r\n" +
			"To: abc123xyz@test.com\r\n" +
			"Subject: promo\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"\r\n" +
			`<html><body><img src="https://pixel.tracker.example/t.gif"></body></html>` + "\r\n")
		_, perr := svc.Forward(ctx, res, raw, receivedAt)
		assert.Nil(t, perr)

		saved, err := store.GetRelayAddressByID(addr.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, saved.NumLevelOneTrackersBlocked)
	})
}

func TestPunycodeAddress(t *testing.T) {
	t.Run("ASCII域名原样返回", func(t *testing.T) {
		got, err := punycodeAddress("user@example.com")
		assert.NoError(t, err)
		assert.Equal(t, "user@example.com", got)
	})

	t.Run("Unicode域名转码", func(t *testing.T) {
		got, err := punycodeAddress("user@bücher.example")
		assert.NoError(t, err)
		assert.Equal(t, "user@xn--bcher-kva.example", got)
	})
}

func mustProfile(t *testing.T, store *memory.Store, userID string) *domain.Profile {
	t.Helper()
	profile, err := store.GetProfileByUserID(userID)
	if err != nil {
		t.Fatal(fmt.Errorf("profile fixture missing: %w", err))
	}
	return profile
}
