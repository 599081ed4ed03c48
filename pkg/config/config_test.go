package config

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, int64(100000), cfg.Retention.WindowEvents)
	assert.Equal(t, 256, cfg.Live.SlowConsumerBufferLimit)
	assert.Equal(t, 3, cfg.Reducer.MaxAttempts)
	assert.Equal(t, 1, cfg.Outbox.WorkerCount)

	streams := make([]string, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams = append(streams, s.StreamID)
	}
	assert.Contains(t, streams, "presence")
	assert.Contains(t, streams, "capabilities")
	assert.Contains(t, streams, "assignment_events")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeMergesFileOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  listen_addr: ":9090"
retention:
  window_events: 1000
live:
  slow_consumer_buffer_limit: 32
  claim_expiry_grace: 2s
streams:
  - stream_id: presence
  - stream_id: capabilities
  - stream_id: assignment_events
  - stream_id: orders
    confirmed_read: true
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, int64(1000), cfg.Retention.WindowEvents)
	assert.Equal(t, 32, cfg.Live.SlowConsumerBufferLimit)
	assert.Equal(t, 2*time.Second, cfg.Live.ClaimExpiryGrace)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.Reducer.MaxAttempts)

	confirmed := cfg.ConfirmedReadStreams()
	assert.True(t, confirmed["orders"])
	assert.False(t, confirmed["presence"])
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_LISTEN", ":7777")
	dir := writeConfig(t, "server:\n  listen_addr: \"${RELAY_LISTEN}\"\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
}

func TestInitializeRejectsDuplicateStreams(t *testing.T) {
	dir := writeConfig(t, `
streams:
  - stream_id: orders
  - stream_id: orders
`)
	_, err := Initialize(context.Background(), dir)
	assert.ErrorContains(t, err, "duplicate stream")
}

func TestInitializeRejectsBadRetention(t *testing.T) {
	dir := writeConfig(t, "retention:\n  window_events: -5\n")
	_, err := Initialize(context.Background(), dir)
	assert.ErrorContains(t, err, "window_events")
}

func TestVerificationKeysDecode(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cc := &ClaimsConfig{VerificationKeysB64: map[string]string{
		"k1": base64.StdEncoding.EncodeToString(pub),
	}}
	keys, err := cc.VerificationKeys()
	require.NoError(t, err)
	assert.Equal(t, pub, keys["k1"])
}

func TestVerificationKeysRejectBadLength(t *testing.T) {
	cc := &ClaimsConfig{VerificationKeysB64: map[string]string{
		"short": base64.StdEncoding.EncodeToString([]byte("too-short")),
	}}
	_, err := cc.VerificationKeys()
	assert.ErrorContains(t, err, "32 bytes")
}

func TestVerificationKeysRejectBadBase64(t *testing.T) {
	cc := &ClaimsConfig{VerificationKeysB64: map[string]string{"bad": "!!!"}}
	_, err := cc.VerificationKeys()
	assert.Error(t, err)
}
