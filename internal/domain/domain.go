// Package domain holds the shared types that cross package boundaries so
// session, symbols, quotebus and gateway never redefine each other's shapes.
package domain

import "time"

// Environment selects which upstream host a channel talks to.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// Valid reports whether e is one of the two supported environments.
func (e Environment) Valid() bool {
	return e == EnvDemo || e == EnvLive
}

// Session is the per-user state held at rest in the KV store. Pointer fields
// distinguish "never set" from the zero value; ciphertext fields hold
// authenticated-encrypted blobs, never plaintext.
type Session struct {
	UserID            string       `json:"userId"`
	Env               *Environment `json:"env,omitempty"`
	ActiveAccountID   *int64       `json:"activeAccountId,omitempty"`
	AccessTokenEnc    *string      `json:"accessTokenEnc,omitempty"`
	RefreshTokenEnc   *string      `json:"refreshTokenEnc,omitempty"`
	// ExpiresInSeconds is the most recent OAuth expiresIn, carried forward
	// so field-only writes (env/account changes) can reapply it as the
	// key's TTL instead of clearing it.
	ExpiresInSeconds  int64     `json:"expiresInSeconds,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SymbolEntry is one row of a symbol catalog search result.
type SymbolEntry struct {
	Symbol   string `json:"symbol"`
	SymbolID int64  `json:"symbolId"`
}

// Quote is an immutable last-known spot price for one (user, env, account,
// symbol) tuple.
type Quote struct {
	UserID    string      `json:"userId"`
	Env       Environment `json:"env"`
	AccountID int64       `json:"accountId"`
	SymbolID  int64       `json:"symbolId"`
	Bid       *float64    `json:"bid,omitempty"`
	Ask       *float64    `json:"ask,omitempty"`
	Timestamp *int64      `json:"timestamp,omitempty"`
}

// QuoteKey identifies a quote bus slot.
type QuoteKey struct {
	UserID    string
	Env       Environment
	AccountID int64
	SymbolID  int64
}

// TokenPair is the normalized result of an OAuth code or refresh exchange.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}
