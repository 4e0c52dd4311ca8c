package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "cart")
	require.NoError(t, err)

	assert.Equal(t, "cart", cfg.Service.Name)
	assert.Equal(t, "db_pos", cfg.Mongo.DBPrefix)
	assert.Equal(t, uint32(3), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Republish.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Republish.Lookback)
	assert.Equal(t, 30*time.Minute, cfg.Republish.FailureThreshold)
	assert.GreaterOrEqual(t, cfg.Dedup.TTL, 26*time.Hour)
	assert.Equal(t, "halfUp", cfg.Tenant.RoundingMode)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POS_MONGO_URI", "mongodb://db:27017")
	t.Setenv("POS_HTTP_ADDR", ":9000")

	cfg, err := Load("", "report")
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
}

// Each consuming service's default consumer name must be one of the
// registered subscriber names, or its acks are rejected.
func TestDefaultConsumerNameMatchesSubscribers(t *testing.T) {
	for _, service := range []string{"journald", "reportd"} {
		cfg, err := Load("", service)
		require.NoError(t, err)

		assert.Contains(t,
			cfg.Tenant.SubscribersFor("topic-tranlog"), cfg.Consumer.Name,
			"service %s", service)
	}
}

func TestSubscribersFor(t *testing.T) {
	cfg, err := Load("", "cart")
	require.NoError(t, err)

	names := cfg.Tenant.SubscribersFor("topic-tranlog")
	assert.ElementsMatch(t, []string{"journal", "report"}, names)

	assert.Empty(t, cfg.Tenant.SubscribersFor("topic-unknown"))
}
