package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stv/longvideo/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 20, cfg.MaxConcurrentTasks)
	assert.Equal(t, 6, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxSegmentAttempts)
	assert.True(t, cfg.AutoMerge)
	assert.False(t, cfg.AuthEnable)
	assert.Equal(t, 30*time.Second, cfg.CredentialWaitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CooldownMax)
	assert.Equal(t, int64(200*1024*1024), cfg.MaxInputSize)
	assert.Equal(t, int64(1024*1024*1024), cfg.ThrottleFreeDisk)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "mock-video", cfg.DefaultVideoProvider)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STV_ADDR", ":9090")
	t.Setenv("STV_BATCH_SIZE", "4")
	t.Setenv("STV_AUTH_ENABLE", "true")
	t.Setenv("STV_COOLDOWN_BASE", "250ms")
	t.Setenv("STV_MAX_INPUT_SIZE", "1GB")
	t.Setenv("STV_FAILED_TASK_RATIO", "0.5")
	t.Setenv("STV_FALLBACK_VIDEO_PROVIDER", "backup-video")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.True(t, cfg.AuthEnable)
	assert.Equal(t, 250*time.Millisecond, cfg.CooldownBase)
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxInputSize)
	assert.InDelta(t, 0.5, cfg.FailedTaskRatio, 1e-9)
	assert.Equal(t, "backup-video", cfg.FallbackVideoProvider)
}

func TestLoadProvidersMissingFileFallsBackToMocks(t *testing.T) {
	pf, err := config.LoadProviders(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Len(t, pf.Providers, len(config.MockProviderNames))
	assert.Len(t, pf.Credentials, 3*len(config.MockProviderNames))
	for _, p := range pf.Providers {
		assert.Equal(t, "mock", p.Kind)
	}
	assert.Equal(t, "mock-llm-key-1", pf.ModelCredentials()[0].ID)
}

func TestLoadProvidersFile(t *testing.T) {
	t.Setenv("VEO_KEY", "s3cret")
	path := filepath.Join(t.TempDir(), "providers.yaml")
	body := `
providers:
  - name: veo
    kind: http
    endpoint: https://veo.example.com/v1
    max_concurrency: 4
    timeout: 90s
  - name: mock-tts
    kind: mock
credentials:
  - id: veo-1
    provider: veo
    secret: ${VEO_KEY}
  - id: tts-1
    provider: mock-tts
    secret: plain
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	pf, err := config.LoadProviders(path)
	require.NoError(t, err)

	require.Len(t, pf.Providers, 2)
	assert.Equal(t, 90*time.Second, pf.Providers[0].Timeout)
	assert.Equal(t, map[string]int{"veo": 4}, pf.Concurrency())
	creds := pf.ModelCredentials()
	require.Len(t, creds, 2)
	assert.Equal(t, "s3cret", creds[0].Secret)
	assert.Equal(t, "plain", creds[1].Secret)
}

func TestLoadProvidersRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown provider": "providers:\n  - name: a\n    kind: mock\ncredentials:\n  - id: k\n    provider: b\n",
		"missing endpoint": "providers:\n  - name: a\n    kind: http\n",
		"duplicate":        "providers:\n  - name: a\n    kind: mock\n  - name: a\n    kind: mock\n",
		"bad kind":         "providers:\n  - name: a\n    kind: grpc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := config.LoadProviders(path)
			assert.Error(t, err)
		})
	}
}
