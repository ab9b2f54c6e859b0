package service

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/backend/internal/domain"
	"relay/backend/internal/storage/memory"
)

func newResolver(store *memory.Store) *ResolverService {
	return NewResolverService(store, domain.NewMaskValidator(nil), testConfig(),
		testMetrics(), testEmitter(), zap.NewNop())
}

func TestResolve(t *testing.T) {
	t.Run("回复路由地址", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		res, perr := svc.Resolve("Replies@Default.com", false)
		assert.Nil(t, perr)
		assert.Equal(t, RouteReply, res.Kind)
	})

	t.Run("noreply形态短路", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		for _, recipient := range []string{
			"noreply@test.com",
			"noreply.billing@test.com",
			"noreply-3f9a@test.com",
		} {
			res, perr := svc.Resolve(recipient, false)
			assert.Nil(t, perr, recipient)
			assert.Equal(t, RouteNoReply, res.Kind, recipient)
		}
	})

	t.Run("noreply只在服务域名下生效", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		_, perr := svc.Resolve("noreply@other.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonNotSupportedDomain, perr.Reason)
	})

	t.Run("noreply前缀可配置", func(t *testing.T) {
		store := memory.NewStore()
		cfg := testConfig()
		cfg.Relay.NoReplyPrefix = "do-not-answer"
		svc := NewResolverService(store, domain.NewMaskValidator(nil), cfg,
			testMetrics(), testEmitter(), zap.NewNop())

		res, perr := svc.Resolve("do-not-answer@test.com", false)
		assert.Nil(t, perr)
		assert.Equal(t, RouteNoReply, res.Kind)

		// 默认前缀不再命中
		_, perr = svc.Resolve("noreply@test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonUnknownAddress, perr.Reason)
	})

	t.Run("随机掩码命中", func(t *testing.T) {
		store := memory.NewStore()
		user, _, addr := seedMaskOwner(t, store)
		svc := newResolver(store)

		res, perr := svc.Resolve("abc123xyz@test.com", false)
		assert.Nil(t, perr)
		assert.Equal(t, RouteMask, res.Kind)
		assert.Equal(t, addr.MetricsID(), res.Mask.MetricsID())
		assert.Equal(t, user.ID, res.User.ID)
		assert.NotNil(t, res.Profile)
		assert.False(t, res.Created)
	})

	t.Run("大小写与加号标签被规整", func(t *testing.T) {
		store := memory.NewStore()
		seedMaskOwner(t, store)
		svc := newResolver(store)

		res, perr := svc.Resolve("ABC123xyz+newsletter@Test.COM", false)
		assert.Nil(t, perr)
		assert.Equal(t, RouteMask, res.Kind)
	})

	t.Run("未知随机掩码返回404", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		_, perr := svc.Resolve("nosuchmask@test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonUnknownAddress, perr.Reason)
		assert.Equal(t, http.StatusNotFound, perr.Status)
		assert.False(t, perr.Retryable)
	})

	t.Run("投往已删除掩码", func(t *testing.T) {
		store := memory.NewStore()
		cfg := testConfig()
		hash := domain.HashAddress("gone@test.com", cfg.Relay.AddressSalt)
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))
		svc := newResolver(store)

		_, perr := svc.Resolve("gone@test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonDeletedAddress, perr.Reason)
	})

	t.Run("同一地址多条墓碑", func(t *testing.T) {
		store := memory.NewStore()
		cfg := testConfig()
		hash := domain.HashAddress("gone@test.com", cfg.Relay.AddressSalt)
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))
		svc := newResolver(store)

		_, perr := svc.Resolve("gone@test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonDeletedAddressMultiple, perr.Reason)
	})

	t.Run("非服务域名", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		for _, recipient := range []string{"a@other.com", "a@deep.sub.test.com"} {
			_, perr := svc.Resolve(recipient, false)
			assert.NotNil(t, perr, recipient)
			assert.Equal(t, ReasonNotSupportedDomain, perr.Reason, recipient)
		}
	})

	t.Run("不存在的子域", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		_, perr := svc.Resolve("hello@ghost.test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonDNESubdomain, perr.Reason)
	})

	t.Run("子域掩码命中", func(t *testing.T) {
		store := memory.NewStore()
		user, _ := seedSubdomainOwner(t, store)
		addr := &domain.DomainAddress{UserID: user.ID, Address: "shop", Subdomain: "mycorp", Enabled: true}
		assert.NoError(t, store.SaveDomainAddress(addr))
		svc := newResolver(store)

		res, perr := svc.Resolve("shop@mycorp.test.com", false)
		assert.Nil(t, perr)
		assert.Equal(t, RouteMask, res.Kind)
		assert.Equal(t, addr.MetricsID(), res.Mask.MetricsID())
		assert.False(t, res.Created)
	})

	t.Run("按需创建子域掩码", func(t *testing.T) {
		store := memory.NewStore()
		user, _ := seedSubdomainOwner(t, store)
		svc := newResolver(store)

		res, perr := svc.Resolve("fresh-signup@mycorp.test.com", true)
		assert.Nil(t, perr)
		assert.Equal(t, RouteMask, res.Kind)
		assert.True(t, res.Created)
		assert.False(t, res.Mask.IsRandom())

		saved, err := store.GetDomainAddress(user.ID, "fresh-signup")
		assert.NoError(t, err)
		assert.True(t, saved.Enabled)
		assert.Equal(t, "mycorp", saved.Subdomain)
	})

	t.Run("禁止创建时未知本地部分返回404", func(t *testing.T) {
		store := memory.NewStore()
		seedSubdomainOwner(t, store)
		svc := newResolver(store)

		_, perr := svc.Resolve("fresh-signup@mycorp.test.com", false)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonUnknownAddress, perr.Reason)
	})

	t.Run("非法本地部分不创建", func(t *testing.T) {
		store := memory.NewStore()
		seedSubdomainOwner(t, store)
		svc := newResolver(store)

		for _, recipient := range []string{"bad..name@mycorp.test.com", "admin@mycorp.test.com"} {
			_, perr := svc.Resolve(recipient, true)
			assert.NotNil(t, perr, recipient)
			assert.Equal(t, ReasonUnknownAddress, perr.Reason, recipient)
		}
	})

	t.Run("墓碑命中的本地部分不复活", func(t *testing.T) {
		store := memory.NewStore()
		seedSubdomainOwner(t, store)
		cfg := testConfig()
		hash := domain.HashAddress("ghost@mycorp.test.com", cfg.Relay.AddressSalt)
		assert.NoError(t, store.SaveDeletedAddress(&domain.DeletedAddress{AddressHash: hash}))
		svc := newResolver(store)

		_, perr := svc.Resolve("ghost@mycorp.test.com", true)
		assert.NotNil(t, perr)
		assert.Equal(t, ReasonDeletedAddress, perr.Reason)
	})

	t.Run("无法拆分的收件地址", func(t *testing.T) {
		svc := newResolver(memory.NewStore())

		for _, recipient := range []string{"", "noatsign", "@test.com", "local@"} {
			_, perr := svc.Resolve(recipient, false)
			assert.NotNil(t, perr, recipient)
			assert.Equal(t, ReasonUnknownAddress, perr.Reason, recipient)
		}
	})
}

func TestMaskInfo(t *testing.T) {
	t.Run("按指标开关决定是否携带身份", func(t *testing.T) {
		addr := &domain.RelayAddress{ID: 5}
		res := &Resolved{
			Kind: RouteMask,
			Mask: addr,
			User: &domain.User{FxaID: "fxa-1", MetricsEnabled: false},
		}
		info := res.MaskInfo(false)
		assert.Equal(t, "R5", info.MaskID)
		assert.True(t, info.IsRandomMask)
		assert.Empty(t, info.FxaID)

		res.User.MetricsEnabled = true
		info = res.MaskInfo(true)
		assert.Equal(t, "fxa-1", info.FxaID)
		assert.True(t, info.IsReply)
	})
}
