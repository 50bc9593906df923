package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Canonical token
// ============================================================================

// Token is the canonical bearer credential the Manager persists. Optional
// integers are pointers so "present with value 0" differs from "absent".
type Token struct {
	// Value is the opaque credential string
	Value string `json:"value"`

	// Type is the credential scheme, usually "bearer"
	Type string `json:"type,omitempty"`

	// ExpiresIn is the issuer-provided lifetime in seconds
	ExpiresIn *int64 `json:"expiresIn,omitempty"`

	// SlidingWindow is an inactivity-based lifetime in seconds
	SlidingWindow *int64 `json:"slidingWindow,omitempty"`

	// ExpireAt is the absolute expiry in epoch milliseconds, derived by the Manager
	ExpireAt *int64 `json:"expireAt,omitempty"`

	// RefreshURL is the endpoint for renewing the token
	RefreshURL string `json:"refreshUrl,omitempty"`
}

// Int64 returns a pointer to n, for filling optional Token fields.
func Int64(n int64) *int64 { return &n }

// Clone returns a deep copy of t. Clone of nil is nil.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.ExpiresIn = cloneInt(t.ExpiresIn)
	c.SlidingWindow = cloneInt(t.SlidingWindow)
	c.ExpireAt = cloneInt(t.ExpireAt)
	return &c
}

// ExpiresAt returns the derived expiry, if any.
func (t *Token) ExpiresAt() (time.Time, bool) {
	if t == nil || t.ExpireAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*t.ExpireAt), true
}

// Remaining returns how long until the token expires relative to now. ok
// is false for tokens that never expire automatically.
func (t *Token) Remaining(now time.Time) (remaining time.Duration, ok bool) {
	at, ok := t.ExpiresAt()
	if !ok {
		return 0, false
	}
	return at.Sub(now), true
}

// Claims decodes the value as a JWT without verifying its signature.
// It is meant for display and diagnostics only; expiry scheduling never
// looks at claims.
func (t *Token) Claims() (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.Value, claims); err != nil {
		return nil, fmt.Errorf("token value is not a JWT: %w", err)
	}
	return claims, nil
}

// deriveSchedule sets ExpireAt from ExpiresIn, or failing that from
// SlidingWindow. An ExpireAt that is already set is left untouched.
func (t *Token) deriveSchedule(now time.Time) {
	if t.ExpireAt != nil {
		return
	}

	switch {
	case t.ExpiresIn != nil:
		t.ExpireAt = Int64(now.UnixMilli() + *t.ExpiresIn*1000)
	case t.SlidingWindow != nil:
		t.ExpireAt = Int64(now.UnixMilli() + *t.SlidingWindow*1000)
	}
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	return Int64(*p)
}

// ============================================================================
// Issuer response
// ============================================================================

// IssuerResponse is the raw token record returned by the platform's token
// endpoint.
type IssuerResponse struct {
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type,omitempty"`
	ExpiresIn      *int64 `json:"expires_in,omitempty"`
	SlidingWindow  *int64 `json:"sliding_window,omitempty"`
	AccessURLToken string `json:"access_url_token,omitempty"`
}

// ============================================================================
// Source
// ============================================================================

// Source is what Manager.Store accepts: either a canonical *Token or a
// raw *IssuerResponse. A nil Source (or a nil pointer of either type)
// clears the stored token.
type Source interface {
	normalize() *Token
}

func (t *Token) normalize() *Token { return t.Clone() }

func (r *IssuerResponse) normalize() *Token {
	if r == nil {
		return nil
	}
	return &Token{
		Value:         r.AccessToken,
		Type:          r.TokenType,
		ExpiresIn:     cloneInt(r.ExpiresIn),
		SlidingWindow: cloneInt(r.SlidingWindow),
		RefreshURL:    r.AccessURLToken,
	}
}

// Normalize resolves src into a fresh canonical Token, or nil.
func Normalize(src Source) *Token {
	if src == nil {
		return nil
	}
	return src.normalize()
}

// Decode parses JSON into the matching Source variant: objects carrying
// "access_token" are issuer responses, anything else is a canonical
// token. JSON null decodes to a nil Source.
func Decode(data []byte) (Source, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if fields == nil {
		return nil, nil
	}

	if _, ok := fields["access_token"]; ok {
		var r IssuerResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode issuer response: %w", err)
		}
		return &r, nil
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &t, nil
}
