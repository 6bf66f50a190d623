package zhook

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsMatchSpecConstants(t *testing.T) {
	for _, k := range []string{"ZHOOK_REGION_SIZE", "ZHOOK_MIN_DECODE", "ZHOOK_LOG_LEVEL"} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RegionSize)
	assert.Equal(t, 5, cfg.MinDecode)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("ZHOOK_MIN_DECODE", "7")
	t.Setenv("ZHOOK_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MinDecode)
	assert.Equal(t, "debug", cfg.LogLevel)
}
