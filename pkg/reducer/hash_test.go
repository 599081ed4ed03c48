package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/relay/pkg/store"
)

func sampleEffects() []store.Event {
	return []store.Event{
		{StreamID: "orders", Seq: 1, PayloadHash: "aaa"},
		{StreamID: "orders", Seq: 2, RowKey: "k", Tombstone: true, PayloadHash: "bbb"},
	}
}

func TestCommitHashDeterministic(t *testing.T) {
	h1 := commitHash("append_event", []byte(`{"x":1}`), 42, "nonce", sampleEffects())
	h2 := commitHash("append_event", []byte(`{"x":1}`), 42, "nonce", sampleEffects())
	assert.Equal(t, h1, h2)
}

func TestCommitHashSensitivity(t *testing.T) {
	base := commitHash("append_event", []byte(`{"x":1}`), 42, "nonce", sampleEffects())

	assert.NotEqual(t, base, commitHash("upsert_presence", []byte(`{"x":1}`), 42, "nonce", sampleEffects()))
	assert.NotEqual(t, base, commitHash("append_event", []byte(`{"x":2}`), 42, "nonce", sampleEffects()))
	assert.NotEqual(t, base, commitHash("append_event", []byte(`{"x":1}`), 43, "nonce", sampleEffects()))
	assert.NotEqual(t, base, commitHash("append_event", []byte(`{"x":1}`), 42, "other", sampleEffects()))

	reordered := sampleEffects()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	assert.NotEqual(t, base, commitHash("append_event", []byte(`{"x":1}`), 42, "nonce", reordered))
}

func TestCommitHashEmptyEffects(t *testing.T) {
	h1 := commitHash("ack_watermark", []byte(`{}`), 1, "n", nil)
	h2 := commitHash("ack_watermark", []byte(`{}`), 1, "n", nil)
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}
