package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/events"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/storage/memory"
)

// testConfig 返回服务层测试共用的最小配置
func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			MaskDomain:             "test.com",
			ReplyDomain:            "default.com",
			ReplyAddress:           "replies@default.com",
			FromAddress:            "replies@default.com",
			NoReplyPrefix:          "noreply",
			AddressSalt:            "salt",
			HardBounceAllowedDays:  30,
			SoftBounceAllowedDays:  1,
			MaxForwardedPerDay:     100,
			MaxForwardedSizePerDay: 10 << 20,
			MaxMessageBytes:        10 << 20,
			TrackerWarningURL:      "https://relay.example/contains-tracker-warning",
		},
	}
}

func testMetrics() *monitoring.Metrics {
	return monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func testEmitter() *events.Emitter {
	return events.NewEmitter(zap.NewNop())
}

// seedMaskOwner 建立一个用户、档案与随机掩码 abc123xyz@test.com
func seedMaskOwner(t *testing.T, store *memory.Store) (*domain.User, *domain.Profile, *domain.RelayAddress) {
	t.Helper()

	user := &domain.User{
		ID:       "user-1",
		FxaID:    "fxa-1",
		Email:    "owner@example.com",
		IsActive: true,
		Tier:     domain.TierFree,
	}
	assert.NoError(t, store.CreateUser(user))

	profile := &domain.Profile{ID: "profile-1", UserID: user.ID, ServerStorage: true, Language: "en"}
	assert.NoError(t, store.SaveProfile(profile))

	addr := &domain.RelayAddress{
		UserID:   user.ID,
		Address:  "abc123xyz",
		DomainID: domain.DomainMask,
		Enabled:  true,
	}
	assert.NoError(t, store.SaveRelayAddress(addr))
	return user, profile, addr
}

// seedSubdomainOwner 建立一个绑定子域 mycorp 的用户与档案
func seedSubdomainOwner(t *testing.T, store *memory.Store) (*domain.User, *domain.Profile) {
	t.Helper()

	user := &domain.User{
		ID:       "user-2",
		FxaID:    "fxa-2",
		Email:    "subowner@example.com",
		IsActive: true,
		Tier:     domain.TierEmail,
	}
	assert.NoError(t, store.CreateUser(user))

	sub := "mycorp"
	profile := &domain.Profile{ID: "profile-2", UserID: user.ID, ServerStorage: true, Subdomain: &sub, Language: "en"}
	assert.NoError(t, store.SaveProfile(profile))
	return user, profile
}

func hoursAgo(h int) *time.Time {
	t := time.Now().Add(-time.Duration(h) * time.Hour)
	return &t
}
