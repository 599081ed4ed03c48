package store

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	canon, err := CanonicalJSON([]byte(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(canon))
}

func TestCanonicalJSONRejectsMalformed(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestHashPayloadIgnoresKeyOrder(t *testing.T) {
	h1, err := HashPayload([]byte(`{"x": 1, "y": [1, 2, {"z": true}]}`))
	require.NoError(t, err)
	h2, err := HashPayload([]byte(`{"y": [1, 2, {"z": true}], "x": 1}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashPayloadDiffersOnValue(t *testing.T) {
	h1, err := HashPayload([]byte(`{"x": 1}`))
	require.NoError(t, err)
	h2, err := HashPayload([]byte(`{"x": 2}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// buildDoc assembles a nested JSON document from generated keys and values.
func buildDoc(keys []string, vals []int64) map[string]any {
	doc := make(map[string]any, len(keys)+1)
	for i, k := range keys {
		if len(vals) > 0 {
			doc[k] = vals[i%len(vals)]
		} else {
			doc[k] = k
		}
	}
	doc["nested"] = map[string]any{"keys": keys, "vals": vals}
	return doc
}

func TestCanonicalJSONProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalizing twice equals canonicalizing once", prop.ForAll(
		func(keys []string, vals []int64) bool {
			raw := mustJSON(t, buildDoc(keys, vals))
			first, err := CanonicalJSON(raw)
			if err != nil {
				return false
			}
			second, err := CanonicalJSON(first)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.Property("hash is stable across canonicalization", prop.ForAll(
		func(keys []string, vals []int64) bool {
			raw := mustJSON(t, buildDoc(keys, vals))
			h1, err := HashPayload(raw)
			if err != nil {
				return false
			}
			canon, err := CanonicalJSON(raw)
			if err != nil {
				return false
			}
			h2, err := HashPayload(canon)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
