package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		CronSecret: "s3cret",
		Queue: QueueConfig{
			BaseBackoff:  30 * time.Second,
			MaxBackoff:   15 * time.Minute,
			LeaseSeconds: 300,
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRequiresCronSecret(t *testing.T) {
	cfg := validConfig()
	cfg.CronSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBackoff(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.MaxBackoff = time.Second
	assert.Error(t, cfg.Validate(), "cap below base")

	cfg = validConfig()
	cfg.Queue.BaseBackoff = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresLease(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.LeaseSeconds = 0
	assert.Error(t, cfg.Validate())
}
