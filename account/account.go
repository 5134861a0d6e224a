// Package account implements the per-account data model, the process-wide
// account registry (arena), and the registration/keepalive manager (spec
// §3, §4.4, §4.7).
package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mobilesip/sipcore/auth"
	"github.com/mobilesip/sipcore/sip"
)

// RegistrationState is the tagged variant from spec §3.
type RegistrationState int

const (
	StateNone RegistrationState = iota
	StateInProgress
	StateOk
	StateFailed
)

func (s RegistrationState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateInProgress:
		return "InProgress"
	case StateOk:
		return "Ok"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Credentials identifies how an account authenticates, mirroring
// auth.Credentials but scoped to the account's lifetime config.
type Credentials struct {
	Username string
	Password string
	HA1      string
}

// PushConfig carries the opaque push-token/provider forwarded verbatim in
// the Contact header per spec §6 ("pn-token" / "pn-provider").
type PushConfig struct {
	Token    string
	Provider string // "fcm" or "apns"
}

// Key identifies an account as "username@domain", the account registry's
// arena key (spec §9 cyclic-reference redesign).
type Key string

// MakeKey builds the canonical account key.
func MakeKey(username, domain string) Key {
	return Key(fmt.Sprintf("%s@%s", username, domain))
}

// Account holds the data model described in spec §3. Its owning
// RegistrationManager and the dialog state machine that answers for it call
// its methods directly; every mutation below is mutex-guarded.
type Account struct {
	Username string
	Domain   string
	Creds    Credentials
	Push     PushConfig
	UserAgent string

	mu sync.Mutex

	state      RegistrationState
	expiresAt  time.Time
	failReason string

	contact    sip.Uri
	localTag   string
	remoteTag  string

	// ActiveCallID holds the Call-ID of the account's call once that call
	// reaches Connected, and is cleared when it ends. It stays empty while a
	// call is still being set up or ringing.
	ActiveCallID string

	// activeCallObserver, set by Registry.Put, reports every
	// SetActiveCall/ClearActiveCall to the registry's sip_active_calls gauge.
	activeCallObserver func()

	Conn sip.Connection

	AuthMgr *auth.Manager

	log zerolog.Logger
}

// Key returns this account's registry key.
func (a *Account) Key() Key {
	return MakeKey(a.Username, a.Domain)
}

// New constructs an account in state None, ready to be registered.
func New(username, domain string, creds Credentials, userAgent string, logger zerolog.Logger) *Account {
	return &Account{
		Username:  username,
		Domain:    domain,
		Creds:     creds,
		UserAgent: userAgent,
		AuthMgr:   auth.NewManager(),
		log:       logger.With().Str("account", username).Str("domain", domain).Logger(),
	}
}

func (a *Account) Logger() *zerolog.Logger { return &a.log }

// State returns the current registration state and, when Ok, the expiry
// deadline.
func (a *Account) State() (RegistrationState, time.Time, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.expiresAt, a.failReason
}

func (a *Account) setState(s RegistrationState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Account) setOk(expiresAt time.Time) {
	a.mu.Lock()
	a.state = StateOk
	a.expiresAt = expiresAt
	a.failReason = ""
	a.mu.Unlock()
}

func (a *Account) setFailed(reason string) {
	a.mu.Lock()
	a.state = StateFailed
	a.failReason = reason
	a.mu.Unlock()
}

// MarkFailed records a permanent registration failure from outside the
// package, used by the reconnection controller once it exhausts
// MAX_ATTEMPTS for this account (spec §4.6 invariant 6).
func (a *Account) MarkFailed(reason string) {
	a.setFailed(reason)
}

// SetConn replaces the account's connection, used by the reconnection
// controller after it tears down a stale transport and dials a new one.
func (a *Account) SetConn(conn sip.Connection) {
	a.mu.Lock()
	a.Conn = conn
	a.mu.Unlock()
}

// SetContact installs the Contact URI presented at registration time; the
// reconnection controller sets this once per redial before the
// registration manager's first REGISTER on the new transport.
func (a *Account) SetContact(u sip.Uri) {
	a.setContact(u)
}

// ResetToNone marks the account unregistered without touching the
// in-memory account record itself, used by the reconnection controller on
// network loss (spec §4.6 step 1) where the account list is preserved but
// every registration is considered gone until reconnection completes.
func (a *Account) ResetToNone() {
	a.mu.Lock()
	a.state = StateNone
	a.failReason = ""
	a.mu.Unlock()
}

// Contact returns the Contact URI presented at registration, guaranteed by
// spec §3 invariant to remain identical across subsequent INVITEs.
func (a *Account) Contact() sip.Uri {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contact
}

func (a *Account) setContact(u sip.Uri) {
	a.mu.Lock()
	a.contact = u
	a.mu.Unlock()
}

// HasActiveCall reports whether this account has a call that reached
// Connected and has not ended yet (ActiveCallID is set).
func (a *Account) HasActiveCall() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ActiveCallID != ""
}

func (a *Account) SetActiveCall(callID string) {
	a.mu.Lock()
	a.ActiveCallID = callID
	obs := a.activeCallObserver
	a.mu.Unlock()
	if obs != nil {
		obs()
	}
}

func (a *Account) ClearActiveCall(callID string) {
	a.mu.Lock()
	if a.ActiveCallID == callID {
		a.ActiveCallID = ""
	}
	obs := a.activeCallObserver
	a.mu.Unlock()
	if obs != nil {
		obs()
	}
}
