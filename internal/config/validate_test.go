package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsAreClean(t *testing.T) {
	cfg := Default()
	result := cfg.Validate()
	assert.Empty(t, result.Fatals)
	assert.Empty(t, result.Warnings)
}

func TestValidateRejectsBadListenPort(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 70000

	result := cfg.Validate()
	require.NotEmpty(t, result.Fatals)
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := Default()
	cfg.VideoCodec = "theora"

	result := cfg.Validate()
	require.NotEmpty(t, result.Fatals)
}

func TestValidateClampsTargetFPS(t *testing.T) {
	cfg := Default()
	cfg.TargetFPS = 0

	result := cfg.Validate()
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 1, cfg.TargetFPS)

	cfg.TargetFPS = 120
	result = cfg.Validate()
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 60, cfg.TargetFPS)
}

func TestValidateEnforcesPingTimeoutExceedsInterval(t *testing.T) {
	cfg := Default()
	cfg.PingIntervalSeconds = 30
	cfg.PingTimeoutSeconds = 10

	result := cfg.Validate()
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 90, cfg.PingTimeoutSeconds)
}

func TestValidateRequiresBothBasicAuthFields(t *testing.T) {
	cfg := Default()
	cfg.BasicAuthUser = "admin"

	result := cfg.Validate()
	assert.NotEmpty(t, result.Warnings)
	assert.Empty(t, cfg.BasicAuthUser)
	assert.Empty(t, cfg.BasicAuthPass)
}

func TestValidateFallsBackOnBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	result := cfg.Validate()
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, "info", cfg.LogLevel)
}
