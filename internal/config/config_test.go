package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://localhost:7000/api", cfg.API.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.TV.Interval)
	assert.Equal(t, 3, cfg.TV.PerSlide)
	assert.Equal(t, 150, cfg.Views.TruncateAt)
	assert.Equal(t, 10*time.Minute, cfg.Server.CodeTTL)
	assert.Equal(t, ProtocolPassword, cfg.Auth.Protocol)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("auth:\n  protocol: email-code\ntv:\n  interval: 5s\n"))
	require.NoError(t, err)
	assert.Equal(t, ProtocolEmailCode, cfg.Auth.Protocol)
	assert.Equal(t, 5*time.Second, cfg.TV.Interval)
	assert.Equal(t, 3, cfg.TV.PerSlide)
	assert.Equal(t, "https://localhost:7000/api", cfg.API.BaseURL)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "relative base url", yaml: "api:\n  base_url: /api\n"},
		{name: "unknown protocol", yaml: "auth:\n  protocol: oauth\n"},
		{name: "zero per slide", yaml: "tv:\n  per_slide: 0\n"},
		{name: "bad base path", yaml: "server:\n  base_path: api\n"},
		{name: "webhook without url", yaml: "server:\n  webhooks:\n    - events: [goal.approved]\n"},
		{name: "broken yaml", yaml: "api: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("api:\n  base_url: http://127.0.0.1:9000/api\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/api", cfg.API.BaseURL)
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
