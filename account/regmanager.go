package account

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/mobilesip/sipcore/auth"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/sip"
)

// Registration manager states (spec §4.4), named to match the FSM style the
// teacher's own transaction layer uses for its state names.
const (
	RegStateUnregistered = "unregistered"
	RegStateRegistering  = "registering"
	RegStateRegistered   = "registered"
	RegStateRefreshing   = "refreshing"
	RegStateExpired      = "expired"
	RegStateFailed       = "failed"
)

const (
	evRegister  = "register"
	evOk        = "ok"
	evAuthRetry = "auth_retry"
	evAuthFail  = "auth_fail"
	evTimeout   = "timeout"
	evExpire    = "expire"
	evRefresh   = "refresh"
	evUnregTx   = "unregister"
)

// RegistrationManager drives one account's REGISTER/refresh/unregister
// lifecycle over a TransactionLayer already bound to that account's
// connection, per spec §4.4. mu guards the FSM and the refresh timer against
// concurrent Register/refresh/Unregister calls and the timer's own goroutine.
type RegistrationManager struct {
	acc           *Account
	txl           *sip.TransactionLayer
	recipient     sip.Uri
	expirySeconds uint32

	// fromTag and callID are fixed for the registration's lifetime; RFC
	// 3261 §10.2 requires the same Call-ID across refreshes and the
	// unregister REGISTER.
	fromTag string
	callID  string

	fsm *fsm.FSM

	// sink reports every FSM state change as a listener.RegistrationStateChanged
	// event (spec §6); stateObserver feeds the same transition to the
	// account registry's Prometheus gauge. Both are set once before the
	// manager is shared across goroutines (sink at construction,
	// stateObserver by Registry.Put immediately after), so the enter_state
	// callback - which runs with mu already held - reads them unlocked.
	sink          listener.Sink
	stateObserver func(RegistrationState)

	mu            sync.Mutex
	refreshTimer  *time.Timer
	attemptedAuth bool
	cseq          uint32

	log zerolog.Logger
}

// NewRegistrationManager binds a registration manager to recipient (the
// registrar's Address-of-Record URI) over txl. expirySeconds is the
// Expires value requested on every REGISTER (spec §4.4 "configured_expiry").
// sink may be nil, disabling registration-state events for this account.
func NewRegistrationManager(acc *Account, txl *sip.TransactionLayer, recipient sip.Uri, expirySeconds uint32, sink listener.Sink) *RegistrationManager {
	m := &RegistrationManager{
		acc:           acc,
		txl:           txl,
		recipient:     recipient,
		expirySeconds: expirySeconds,
		sink:          sink,
		fromTag:       sip.GenerateTagN(10),
		callID:        fmt.Sprintf("%s-%s", acc.Username, sip.GenerateTagN(16)),
		log:           acc.Logger().With().Str("component", "regmanager").Logger(),
	}
	m.fsm = fsm.NewFSM(
		RegStateUnregistered,
		fsm.Events{
			{Name: evRegister, Src: []string{RegStateUnregistered, RegStateFailed, RegStateExpired}, Dst: RegStateRegistering},
			{Name: evOk, Src: []string{RegStateRegistering, RegStateRefreshing}, Dst: RegStateRegistered},
			{Name: evAuthRetry, Src: []string{RegStateRegistering, RegStateRefreshing}, Dst: RegStateRegistering},
			{Name: evAuthFail, Src: []string{RegStateRegistering, RegStateRefreshing}, Dst: RegStateFailed},
			{Name: evTimeout, Src: []string{RegStateRegistering, RegStateRefreshing}, Dst: RegStateFailed},
			{Name: evRefresh, Src: []string{RegStateRegistered}, Dst: RegStateRefreshing},
			{Name: evExpire, Src: []string{RegStateRefreshing}, Dst: RegStateExpired},
			{Name: evUnregTx, Src: []string{RegStateUnregistered, RegStateRegistering, RegStateRegistered, RegStateRefreshing, RegStateExpired, RegStateFailed}, Dst: RegStateUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Info().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("registration state change")
				if m.sink != nil {
					m.sink.Notify(listener.Event{
						Kind:       listener.RegistrationStateChanged,
						AccountKey: string(m.acc.Key()),
						State:      e.Dst,
					})
				}
				if m.stateObserver != nil {
					m.stateObserver(registrationStateFor(e.Dst))
				}
			},
		},
	)
	return m
}

// registrationStateFor maps a registration FSM state to the coarser public
// RegistrationState (spec §3) the sip_registration_state gauge tracks.
func registrationStateFor(fsmState string) RegistrationState {
	switch fsmState {
	case RegStateRegistering, RegStateRefreshing:
		return StateInProgress
	case RegStateRegistered:
		return StateOk
	case RegStateFailed:
		return StateFailed
	default: // RegStateUnregistered, RegStateExpired
		return StateNone
	}
}

// State returns the registration manager's current FSM state string.
func (m *RegistrationManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Register performs the initial REGISTER, retrying once with digest
// credentials on 401/407 (spec §4.4).
func (m *RegistrationManager) Register(ctx context.Context) error {
	m.mu.Lock()
	if err := m.fsm.Event(ctx, evRegister); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("regmanager: register: %w", err)
	}
	m.attemptedAuth = false
	m.mu.Unlock()

	m.acc.setState(StateInProgress)
	return m.registerAttempt(ctx, m.expirySeconds, evOk)
}

// refresh re-sends the REGISTER scheduled by the expiry timer.
func (m *RegistrationManager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if err := m.fsm.Event(ctx, evRefresh); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("regmanager: refresh: %w", err)
	}
	m.attemptedAuth = false
	m.mu.Unlock()

	return m.registerAttempt(ctx, m.expirySeconds, evOk)
}

// Unregister sends a REGISTER with Expires: 0, per spec §4.4. It always
// returns to Unregistered once the transaction completes or times out,
// regardless of the response received.
func (m *RegistrationManager) Unregister(ctx context.Context) error {
	req := m.buildRegister(0)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m.stopRefreshTimer()
	_, _ = m.send(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.fsm.Event(ctx, evUnregTx)
	m.acc.setState(StateNone)
	return nil
}

// registerAttempt sends one REGISTER, following one 401/407 retry with
// digest credentials and one 423 retry honoring Min-Expires, as described
// in spec §4.4.
func (m *RegistrationManager) registerAttempt(ctx context.Context, expires uint32, okEvent string) error {
	req := m.buildRegister(expires)
	res, err := m.send(ctx, req)
	if err != nil {
		m.fail(ctx, evTimeout, err.Error())
		return err
	}

	switch {
	case res.StatusCode == sip.StatusOK:
		return m.onOk(ctx, res, okEvent)

	case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
		return m.retryWithAuth(ctx, req, res, expires, okEvent)

	case res.StatusCode == sip.StatusIntervalTooBrief:
		return m.retryWithMinExpires(ctx, res, okEvent)

	case res.StatusCode == sip.StatusForbidden:
		m.fail(ctx, evAuthFail, "forbidden")
		return fmt.Errorf("regmanager: register forbidden")

	default:
		m.fail(ctx, evAuthFail, fmt.Sprintf("unexpected status %d", res.StatusCode))
		return fmt.Errorf("regmanager: register failed with status %d", res.StatusCode)
	}
}

func (m *RegistrationManager) retryWithAuth(ctx context.Context, req *sip.Request, res *sip.Response, expires uint32, okEvent string) error {
	m.mu.Lock()
	alreadyTried := m.attemptedAuth
	m.attemptedAuth = true
	m.mu.Unlock()

	if alreadyTried {
		m.fail(ctx, evAuthFail, "auth rejected twice")
		return fmt.Errorf("regmanager: auth rejected twice")
	}

	hdrName := "WWW-Authenticate"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		hdrName = "Proxy-Authenticate"
	}
	hdr := res.GetHeader(hdrName)
	if hdr == nil {
		m.fail(ctx, evAuthFail, "missing challenge header")
		return fmt.Errorf("regmanager: missing %s header", hdrName)
	}

	chal, err := auth.ParseChallenge(hdr.Value())
	if err != nil {
		m.fail(ctx, evAuthFail, err.Error())
		return err
	}

	authCtx := m.acc.AuthMgr.Context(chal.Realm)
	if err := authCtx.Update(chal); err != nil {
		m.fail(ctx, evAuthFail, err.Error())
		return err
	}

	authHeaderName := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		authHeaderName = "Proxy-Authorization"
	}

	cred := auth.Credentials{Username: m.acc.Creds.Username, Password: m.acc.Creds.Password, HA1: m.acc.Creds.HA1}
	authVal, err := authCtx.Authorize(string(sip.REGISTER), m.recipient.String(), cred)
	if err != nil {
		m.fail(ctx, evAuthFail, err.Error())
		return err
	}

	retryReq := m.buildRegister(expires)
	retryReq.AppendHeader(sip.NewHeader(authHeaderName, authVal))

	m.mu.Lock()
	_ = m.fsm.Event(ctx, evAuthRetry)
	m.mu.Unlock()

	retryRes, err := m.send(ctx, retryReq)
	if err != nil {
		m.fail(ctx, evTimeout, err.Error())
		return err
	}

	switch retryRes.StatusCode {
	case sip.StatusOK:
		return m.onOk(ctx, retryRes, okEvent)
	case sip.StatusForbidden, sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
		m.fail(ctx, evAuthFail, "auth rejected")
		return fmt.Errorf("regmanager: auth rejected with status %d", retryRes.StatusCode)
	default:
		m.fail(ctx, evAuthFail, fmt.Sprintf("unexpected status %d", retryRes.StatusCode))
		return fmt.Errorf("regmanager: register failed with status %d", retryRes.StatusCode)
	}
}

func (m *RegistrationManager) retryWithMinExpires(ctx context.Context, res *sip.Response, okEvent string) error {
	hdr := res.GetHeader("Min-Expires")
	if hdr == nil {
		m.fail(ctx, evAuthFail, "423 without Min-Expires")
		return fmt.Errorf("regmanager: 423 response missing Min-Expires")
	}
	min, err := strconv.Atoi(hdr.Value())
	if err != nil || min <= 0 {
		m.fail(ctx, evAuthFail, "invalid Min-Expires")
		return fmt.Errorf("regmanager: invalid Min-Expires value %q", hdr.Value())
	}

	req := m.buildRegister(uint32(min))
	retryRes, err := m.send(ctx, req)
	if err != nil {
		m.fail(ctx, evTimeout, err.Error())
		return err
	}
	if retryRes.StatusCode != sip.StatusOK {
		m.fail(ctx, evAuthFail, fmt.Sprintf("unexpected status %d after Min-Expires retry", retryRes.StatusCode))
		return fmt.Errorf("regmanager: register failed with status %d", retryRes.StatusCode)
	}
	return m.onOk(ctx, retryRes, okEvent)
}

func (m *RegistrationManager) onOk(ctx context.Context, res *sip.Response, okEvent string) error {
	expiresAt := time.Now().Add(time.Duration(m.expirySeconds) * time.Second)
	if hdr := res.GetHeader("Expires"); hdr != nil {
		if secs, err := strconv.Atoi(hdr.Value()); err == nil && secs > 0 {
			expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}

	m.mu.Lock()
	_ = m.fsm.Event(ctx, okEvent)
	m.mu.Unlock()

	m.acc.setOk(expiresAt)
	m.scheduleRefresh(time.Until(expiresAt))
	return nil
}

func (m *RegistrationManager) fail(ctx context.Context, event, reason string) {
	m.mu.Lock()
	_ = m.fsm.Event(ctx, event)
	m.mu.Unlock()
	m.acc.setFailed(reason)
}

// scheduleRefresh arms the refresh timer to fire before the registration
// expires, matching the teacher's time.AfterFunc pattern used for Timer A/B.
// The refresh margin is min(60s, 10% of the expiry window) per spec §3.
func (m *RegistrationManager) scheduleRefresh(until time.Duration) {
	m.stopRefreshTimer()
	if until <= 0 {
		return
	}
	margin := until / 10
	if margin > 60*time.Second {
		margin = 60 * time.Second
	}
	lead := until - margin
	if lead < time.Second {
		lead = time.Second
	}
	m.mu.Lock()
	m.refreshTimer = time.AfterFunc(lead, func() {
		ctx := context.Background()
		if err := m.refresh(ctx); err != nil {
			m.log.Error().Err(err).Msg("registration refresh failed")
		}
	})
	m.mu.Unlock()
}

func (m *RegistrationManager) stopRefreshTimer() {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
}

// buildRegister constructs a REGISTER request carrying Expires, a Contact
// bearing the account's push token/provider as custom parameters, and a
// User-Agent header (spec §4.4), the same manual header-construction style
// as the teacher's example/register/client/main.go. From tag and Call-ID
// stay fixed across retries within a single attempt; every REGISTER gets a
// fresh Via branch, and CSeq increments on every REGISTER sent over the
// registration's lifetime.
func (m *RegistrationManager) buildRegister(expires uint32) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, *m.recipient.Clone())

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       m.acc.Conn.LocalAddr().Network(),
		Host:            m.recipient.Host,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{User: m.acc.Username, Host: m.acc.Domain},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", m.fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: m.acc.Username, Host: m.acc.Domain},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	callID := sip.CallID(m.callID)
	req.AppendHeader(&callID)

	cseq := &sip.CSeq{SeqNo: m.nextCSeq(), MethodName: sip.REGISTER}
	req.AppendHeader(cseq)

	contactURI := m.acc.Contact()
	if contactURI.Host == "" {
		contactURI = sip.Uri{User: m.acc.Username, Host: m.recipient.Host}
	}
	contact := &sip.ContactHeader{Address: contactURI, Params: sip.NewParams()}
	if m.acc.Push.Token != "" {
		contact.Params.Add("pn-token", m.acc.Push.Token)
		contact.Params.Add("pn-provider", m.acc.Push.Provider)
	}
	req.AppendHeader(contact)

	expHdr := sip.Expires(expires)
	req.AppendHeader(&expHdr)

	if m.acc.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", m.acc.UserAgent))
	}

	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(via.Transport)
	return req
}

// send issues req as a new client transaction and waits for the first
// final response, terminating the transaction once the response (or a
// timeout) arrives.
func (m *RegistrationManager) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := m.txl.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("regmanager: send: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("regmanager: transaction terminated without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *RegistrationManager) nextCSeq() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cseq++
	return m.cseq
}

// Close stops the refresh timer without sending an unregister REGISTER,
// used when tearing down without network (e.g. during reconnection).
func (m *RegistrationManager) Close() {
	m.stopRefreshTimer()
}
