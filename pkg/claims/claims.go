// Package claims verifies the short-lived scoped bearer claims that gate
// connections and reducer calls. Claims are minted by the external identity
// service; this package only verifies them against locally configured,
// out-of-band rotated Ed25519 keys.
package claims

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors. ErrExpired is distinguished from ErrInvalid so the
// connection layer can close with the right frame.
var (
	ErrInvalid = errors.New("invalid claim")
	ErrExpired = errors.New("claim expired")
)

// Claim is the verified content of a bearer token.
type Claim struct {
	Principal string
	Device    string
	Org       string
	// Streams and Reducers are the scope: names the claim may touch. A single
	// "*" entry grants all.
	Streams  []string
	Reducers []string
	Nonce    string
	IssuedAt time.Time
	Expiry   time.Time
}

// Expired reports whether the claim has passed its expiry at the given time.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// AllowsStream reports whether the claim's scope covers a stream.
func (c *Claim) AllowsStream(streamID string) bool {
	return scopeAllows(c.Streams, streamID)
}

// AllowsReducer reports whether the claim's scope covers a reducer.
func (c *Claim) AllowsReducer(name string) bool {
	return scopeAllows(c.Reducers, name)
}

func scopeAllows(scope []string, name string) bool {
	for _, s := range scope {
		if s == "*" || s == name {
			return true
		}
	}
	return false
}

// tokenClaims is the JWT payload shape.
type tokenClaims struct {
	Device   string   `json:"dev"`
	Org      string   `json:"org"`
	Streams  []string `json:"streams"`
	Reducers []string `json:"reducers"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a set of rotated Ed25519 public
// keys, looked up by the token's kid header.
type Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewVerifier creates a Verifier over the configured key set.
func NewVerifier(keys map[string]ed25519.PublicKey) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks the token's signature, expiry, and required fields, and
// returns the verified Claim. Expired-but-otherwise-valid tokens return
// ErrExpired; everything else returns ErrInvalid.
func (v *Verifier) Verify(token string) (*Claim, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrInvalid)
	}
	if tc.Device == "" {
		return nil, fmt.Errorf("%w: missing device", ErrInvalid)
	}
	if tc.ID == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalid)
	}

	c := &Claim{
		Principal: tc.Subject,
		Device:    tc.Device,
		Org:       tc.Org,
		Streams:   tc.Streams,
		Reducers:  tc.Reducers,
		Nonce:     tc.ID,
		Expiry:    tc.ExpiresAt.Time,
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	return c, nil
}

func (v *Verifier) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token missing kid header")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown verification key %q", kid)
	}
	return key, nil
}

// System returns the internal claim used by in-process callers (presence
// sweeps, outbox acknowledgments). It is never serialized as a token.
func System() *Claim {
	return &Claim{
		Principal: "system",
		Device:    "internal",
		Streams:   []string{"*"},
		Reducers:  []string{"*"},
		Nonce:     "internal",
		Expiry:    time.Now().Add(24 * time.Hour),
	}
}
