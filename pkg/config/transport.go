package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// StreamConfig declares one provisioned stream. Streams are administrative:
// they are created from configuration at startup and persist for the
// system's lifetime.
type StreamConfig struct {
	StreamID      string `yaml:"stream_id"`
	OwnerScope    string `yaml:"owner_scope"`
	ConfirmedRead bool   `yaml:"confirmed_read"`

	// RetentionWindowEvents overrides retention.window_events for this
	// stream when positive.
	RetentionWindowEvents int64 `yaml:"retention_window_events,omitempty"`
}

// DefaultStreams returns the transport's own row-state streams. Deployments
// add their domain streams in relay.yaml.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{StreamID: "presence"},
		{StreamID: "capabilities"},
		{StreamID: "assignment_events"},
	}
}

// RetentionConfig controls history retention and cleanup behavior.
type RetentionConfig struct {
	// WindowEvents is the minimum per-stream history kept for resume, unless
	// a stream declares its own retention_window_events. A watermark older
	// than head-window surfaces as a stale cursor.
	WindowEvents int64 `yaml:"window_events"`

	// SentOutboxTTL is how long sent outbox entries are kept before deletion.
	SentOutboxTTL time.Duration `yaml:"sent_outbox_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		WindowEvents:    100000,
		SentOutboxTTL:   1 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

// LiveConfig tunes the subscription manager.
type LiveConfig struct {
	// ConnectionIdleTimeout closes connections with no frames (heartbeats
	// included) for this long.
	ConnectionIdleTimeout time.Duration `yaml:"connection_idle_timeout"`

	// SlowConsumerBufferLimit bounds each connection's outgoing buffer in
	// frames; overflow trips the slow-consumer disconnect.
	SlowConsumerBufferLimit int `yaml:"slow_consumer_buffer_limit"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ClaimExpiryGrace is how long after claim expiry the connection stays
	// open before the ClaimExpired close.
	ClaimExpiryGrace time.Duration `yaml:"claim_expiry_grace"`

	// PresenceDisconnectGrace is how long after a disconnect the device's
	// presence rows survive before the offline sweep tombstones them.
	PresenceDisconnectGrace time.Duration `yaml:"presence_disconnect_grace"`
}

// DefaultLiveConfig returns the built-in live-delivery defaults.
func DefaultLiveConfig() *LiveConfig {
	return &LiveConfig{
		ConnectionIdleTimeout:   60 * time.Second,
		SlowConsumerBufferLimit: 256,
		WriteTimeout:            10 * time.Second,
		ClaimExpiryGrace:        5 * time.Second,
		PresenceDisconnectGrace: 30 * time.Second,
	}
}

// ReducerConfig tunes the reducer engine.
type ReducerConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	ExecutionBudget time.Duration `yaml:"execution_budget"`
}

// DefaultReducerConfig returns the built-in engine defaults.
func DefaultReducerConfig() *ReducerConfig {
	return &ReducerConfig{
		MaxAttempts:     3,
		ExecutionBudget: 5 * time.Second,
	}
}

// OutboxConfig tunes the outbox publisher.
type OutboxConfig struct {
	// DiskBudget caps pending entries; enqueue_outbox returns BudgetExhausted
	// once reached.
	DiskBudget int64 `yaml:"disk_budget"`

	// WorkerCount is the number of draining workers. One worker preserves
	// strict commit-order export; more trade ordering for throughput.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the idle poll cadence for pending entries.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AttemptTimeout bounds one external publish attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxAttempts moves an entry to failed once this many attempts have failed.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial and BackoffMax bound the retry schedule.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// SubstrateAddr is the external substrate (Redis) address. Empty
	// disables the publisher; entries queue until an operator enables it.
	SubstrateAddr string `yaml:"substrate_addr"`

	// StreamPrefix namespaces substrate stream keys per policy tag.
	StreamPrefix string `yaml:"stream_prefix"`
}

// DefaultOutboxConfig returns the built-in outbox defaults.
func DefaultOutboxConfig() *OutboxConfig {
	return &OutboxConfig{
		DiskBudget:     100000,
		WorkerCount:    1,
		PollInterval:   1 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxAttempts:    8,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     1 * time.Minute,
		StreamPrefix:   "relay:outbox:",
	}
}

// ClaimsConfig holds the rotated claim verification keys: kid → base64
// (std encoding) Ed25519 public key. Keys are minted and rotated by the
// external identity service; this side only verifies.
type ClaimsConfig struct {
	VerificationKeysB64 map[string]string `yaml:"verification_keys"`
}

// VerificationKeys decodes the configured key set.
func (c *ClaimsConfig) VerificationKeys() (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(c.VerificationKeysB64))
	for kid, b64 := range c.VerificationKeysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("claims.verification_keys[%s]: %w", kid, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("claims.verification_keys[%s]: want %d bytes, got %d", kid, ed25519.PublicKeySize, len(raw))
		}
		out[kid] = ed25519.PublicKey(raw)
	}
	return out, nil
}
