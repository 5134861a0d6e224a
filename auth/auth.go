// Package auth implements the digest challenge/response layer consumed by
// the registration manager and the dialog state machine (spec §4.3).
//
// It wraps github.com/icholy/digest, the same library the teacher's own
// register example and dialog client use to parse WWW-Authenticate /
// Proxy-Authenticate challenges and compute an Authorization header. This
// package adds the state the raw library does not track on its own: one
// context per (account, realm), nc bookkeeping, and the stale-nonce loop
// guard from spec §4.3.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/icholy/digest"
)

// ErrAuthRejected is returned once the same challenge has been replayed
// against twice in a row without the server granting the request -
// spec §4.3's "stale-nonce loop guard".
var ErrAuthRejected = errors.New("auth: rejected after repeated identical challenge")

// Credentials identifies the principal authenticating against a realm.
type Credentials struct {
	Username string
	Password string
	// HA1 holds a pre-hashed credential. Authorize does not read it: the
	// digest response is always computed from Password.
	HA1 string
}

// Context tracks digest state for one (account, realm) pair, per spec §3
// "Auth context".
type Context struct {
	Realm      string
	Nonce      string
	Opaque     string
	QOP        string
	Algorithm  string
	NC         uint32
	lastNonce  string
	repeatedAt int // consecutive replay attempts against lastNonce with no progress
}

// Challenge is the parsed content of a WWW-Authenticate/Proxy-Authenticate
// header value.
type Challenge = digest.Challenge

// ParseChallenge parses the value of a WWW-Authenticate or
// Proxy-Authenticate header, as returned by a 401/407 response.
func ParseChallenge(headerValue string) (*Challenge, error) {
	chal, err := digest.ParseChallenge(headerValue)
	if err != nil {
		return nil, fmt.Errorf("auth: parse challenge: %w", err)
	}
	return chal, nil
}

// Update folds a freshly parsed challenge into the context, incrementing nc
// only when the nonce is unchanged from the previous attempt (a true replay),
// and resetting all counters when the server hands out a new nonce.
//
// It returns ErrAuthRejected when the same nonce has now been challenged
// against twice in a row without success - the server is stuck re-issuing
// the same stale nonce and no further automatic retry should be attempted.
func (c *Context) Update(chal *Challenge) error {
	if chal.Nonce != c.lastNonce || c.lastNonce == "" {
		c.lastNonce = chal.Nonce
		c.repeatedAt = 0
		c.NC = 0
	} else {
		c.repeatedAt++
		if c.repeatedAt >= 2 {
			return ErrAuthRejected
		}
	}

	c.Realm = chal.Realm
	c.Nonce = chal.Nonce
	c.Opaque = chal.Opaque
	c.QOP = pickQOP(chal.QOP)
	c.Algorithm = chal.Algorithm
	return nil
}

// pickQOP normalizes a possibly comma/space separated qop-options list down
// to "auth" when offered, matching spec §4.3 ("qop=auth if offered").
func pickQOP(raw string) string {
	for _, opt := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if strings.EqualFold(opt, "auth") {
			return "auth"
		}
	}
	return ""
}

// Authorize computes the Authorization/Proxy-Authorization header value for
// method+uri using the credentials and the current challenge state
// (RFC 2617 request-digest computation via icholy/digest.Digest). NC is
// tracked for observability of the retry count; icholy/digest generates its
// own cnonce and nc internally the way the teacher's register/dialog client
// examples use it (Method/URI/Username/Password only, no manual nc/cnonce).
func (c *Context) Authorize(method, uri string, cred Credentials) (string, error) {
	c.NC++
	opts := digest.Options{
		Method:   method,
		URI:      uri,
		Username: cred.Username,
		Password: cred.Password,
	}
	chal := &digest.Challenge{
		Realm:     c.Realm,
		Nonce:     c.Nonce,
		Opaque:    c.Opaque,
		Algorithm: c.Algorithm,
	}
	if c.QOP != "" {
		chal.QOP = "auth"
	}
	digestCred, err := digest.Digest(chal, opts)
	if err != nil {
		return "", fmt.Errorf("auth: compute digest: %w", err)
	}
	return digestCred.String(), nil
}

// Manager keeps one Context per realm for a single account, since a
// registrar and a downstream proxy may challenge with different realms
// within the same registration attempt.
type Manager struct {
	byRealm map[string]*Context
}

// NewManager returns an empty per-account auth manager.
func NewManager() *Manager {
	return &Manager{byRealm: make(map[string]*Context)}
}

// Context returns (creating if absent) the auth context for realm.
func (m *Manager) Context(realm string) *Context {
	ctx, ok := m.byRealm[realm]
	if !ok {
		ctx = &Context{}
		m.byRealm[realm] = ctx
	}
	return ctx
}

// Reset drops all tracked realms, used when an account fully re-registers
// from scratch (e.g. after reconnection).
func (m *Manager) Reset() {
	m.byRealm = make(map[string]*Context)
}
