package reducer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentmesh/relay/pkg/store"
)

// commitHash computes the deterministic digest of a transaction: reducer
// name, canonical input, injected clock and nonce, and every effect in
// canonical emit order. Two runs with the same logged inputs yield identical
// hashes, which is what makes replay verifiable.
func commitHash(reducerName string, canonicalInput []byte, clockUnixNano int64, nonce string, effects []store.Event) string {
	h := sha256.New()
	h.Write([]byte(reducerName))
	h.Write([]byte{0})
	h.Write(canonicalInput)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(clockUnixNano, 10)))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	for _, ev := range effects {
		h.Write([]byte{0})
		h.Write([]byte(effectDigest(ev)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func effectDigest(ev store.Event) string {
	var b strings.Builder
	b.WriteString(ev.StreamID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(ev.Seq, 10))
	b.WriteByte('|')
	b.WriteString(ev.RowKey)
	b.WriteByte('|')
	b.WriteString(fmt.Sprintf("%t", ev.Tombstone))
	b.WriteByte('|')
	b.WriteString(ev.PayloadHash)
	return b.String()
}
