package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenestream-proxy/work/config"
)

func TestScrubURLRemovesTokenAnyCase(t *testing.T) {
	cases := []string{
		"http://media:9999/entity/7/stream?apikey=SECRET&resolution=HD",
		"http://media:9999/entity/7/stream?ApiKey=SECRET&resolution=HD",
		"http://media:9999/entity/7/stream?APIKEY=SECRET&resolution=HD",
	}
	for _, raw := range cases {
		scrubbed := ScrubURL(raw)
		assert.NotContains(t, scrubbed, "SECRET", raw)
		assert.Contains(t, scrubbed, "resolution=HD", raw)
	}
}

func TestObfuscateURLKeepsOnlyHost(t *testing.T) {
	out := ObfuscateURL("http://media:9999/entity/7/stream?apikey=SECRET")
	assert.Equal(t, "http://media:9999/***?***", out)
	assert.Equal(t, "", ObfuscateURL(""))
}

func TestLogURLHonorsObfuscation(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	raw := "http://media:9999/entity/7/stream?apikey=SECRET"

	cfg.ObfuscateUrls = false
	assert.Contains(t, LogURL(cfg, raw), "/entity/7/stream")

	cfg.ObfuscateUrls = true
	assert.NotContains(t, LogURL(cfg, raw), "/entity/7/stream")
}

func TestTokenDigest(t *testing.T) {
	assert.Equal(t, "none", TokenDigest(""))
	a := TokenDigest("token-a")
	b := TokenDigest("token-b")
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, TokenDigest("token-a"))
	assert.NotContains(t, a, "token")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.5 GiB", FormatBytes(3*512*1024*1024))
}
