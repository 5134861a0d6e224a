// Package sipclient is the composition root: it wires the account
// registry, the reconnection controller, one transaction layer per account
// and the transport layer into a single object a platform façade embeds
// (spec §9 "singleton / global state" redesign note — no package-level
// globals, every dependency threaded through sipclient.New).
package sipclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/callsm"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/media"
	"github.com/mobilesip/sipcore/reconnect"
	"github.com/mobilesip/sipcore/sip"
	"github.com/mobilesip/sipcore/store"
)

// Config is the plain struct a façade populates and passes to New; no
// flag/file parsing happens inside this module (spec §6 "Configuration").
type Config struct {
	Media      media.Engine
	Sink       listener.Sink
	Store      store.Store // optional, nil disables persistent-store recovery
	MetricsReg *prometheus.Registry
	Dial       reconnect.Dialer // optional, nil uses transport.Dial
	Log        zerolog.Logger
}

// Client is the process-wide SIP core object. All public methods are safe
// for concurrent use.
type Client struct {
	cfg      Config
	registry *account.Registry
	recon    *reconnect.Controller
	parser   *sip.Parser
	log      zerolog.Logger

	mu    sync.Mutex
	calls map[account.Key]map[string]*callsm.Dialog
	txls  map[account.Key]*sip.TransactionLayer
}

// New builds a Client. No accounts are connected yet; call AddAccount for
// each configured account.
func New(cfg Config) *Client {
	c := &Client{
		cfg:      cfg,
		registry: account.NewRegistry(cfg.MetricsReg),
		parser:   sip.NewParser(),
		log:      cfg.Log.With().Str("component", "sipclient").Logger(),
		calls:    make(map[account.Key]map[string]*callsm.Dialog),
		txls:     make(map[account.Key]*sip.TransactionLayer),
	}
	c.recon = reconnect.New(c.registry, c.parser, cfg.Store, cfg.Dial, c.handleRequestFor, cfg.Sink, cfg.MetricsReg, c.log)
	c.recon.OnConnected(c.registerTransactionLayer)
	return c
}

// registerTransactionLayer keeps the per-account transaction layer current
// across the initial connect and every later reconnect, since
// reconnect.Controller rebuilds it from scratch each time.
func (c *Client) registerTransactionLayer(key account.Key, txl *sip.TransactionLayer) {
	c.mu.Lock()
	c.txls[key] = txl
	c.mu.Unlock()
}

// handleRequestFor is installed as every account's TransactionLayer request
// handler. It cannot know which account it belongs to from the request
// alone, so it scans every account's call map for a dialog matching the
// Call-ID before falling back to the new-incoming-call path. Accounts in
// this client each dial to a distinct registrar host, so a Call-ID
// collision across two different accounts would require an adversarial
// peer reusing the same Call-ID value for two unrelated accounts, which
// the transaction-layer key (branch+Call-ID+tags) would already keep from
// being confused with an existing dialog.
func (c *Client) handleRequestFor(req *sip.Request, tx *sip.ServerTx) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}

	if dlg, key, ok := c.findDialog(callID); ok {
		dlg.HandleRequest(req, tx)
		if dlg.State() == callsm.StateEnded || dlg.State() == callsm.StateError {
			c.removeDialog(key, callID)
		}
		return
	}

	if req.Method != sip.INVITE {
		// 481 Call/Transaction Does Not Exist: no status constant for it in
		// sip/status.go, so it goes through as a bare int like the teacher's
		// own less-common-status responses do.
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	c.handleIncomingInvite(req, tx)
}

// handleIncomingInvite routes a fresh INVITE to the account it addresses,
// answering 486 Busy Here if that account already has a non-terminated
// call (spec invariant 5).
func (c *Client) handleIncomingInvite(req *sip.Request, tx *sip.ServerTx) {
	key := c.accountKeyForRequest(req)
	if key == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil))
		return
	}

	entry, ok := c.registry.Get(key)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil))
		return
	}

	c.mu.Lock()
	txl := c.txls[key]
	busy := false
	for _, d := range c.calls[key] {
		if s := d.State(); s != callsm.StateEnded && s != callsm.StateError {
			busy = true
			break
		}
	}
	c.mu.Unlock()
	if txl == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil))
		return
	}
	if busy {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil))
		return
	}

	dlg := callsm.NewIncoming(entry.Account, txl, c.cfg.Media, c.cfg.Sink, req, tx)
	c.addDialog(key, dlg)
}

// accountKeyForRequest maps an inbound request's Request-URI to an account
// key already known to the registry.
func (c *Client) accountKeyForRequest(req *sip.Request) account.Key {
	candidate := account.MakeKey(req.Recipient.User, req.Recipient.Host)
	if _, ok := c.registry.Get(candidate); ok {
		return candidate
	}
	return ""
}

func (c *Client) findDialog(callID string) (*callsm.Dialog, account.Key, bool) {
	if callID == "" {
		return nil, "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, dialogs := range c.calls {
		if dlg, ok := dialogs[callID]; ok {
			return dlg, key, true
		}
	}
	return nil, "", false
}

func (c *Client) addDialog(key account.Key, dlg *callsm.Dialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[key] == nil {
		c.calls[key] = make(map[string]*callsm.Dialog)
	}
	c.calls[key][dlg.CallID()] = dlg
}

func (c *Client) removeDialog(key account.Key, callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls[key], callID)
}

// AddAccount connects and registers acc, then makes it reachable for
// incoming calls. The transaction layer connectAccount builds is captured
// via the OnConnected hook installed in New, so it is ready by the time
// this call returns.
func (c *Client) AddAccount(ctx context.Context, cfg reconnect.AccountConfig) error {
	if err := c.recon.AddAccount(ctx, cfg); err != nil {
		return fmt.Errorf("sipclient: add account: %w", err)
	}
	if _, ok := c.registry.Get(cfg.Account.Key()); !ok {
		return fmt.Errorf("sipclient: account %s missing from registry after connect", cfg.Account.Key())
	}
	c.mu.Lock()
	if c.calls[cfg.Account.Key()] == nil {
		c.calls[cfg.Account.Key()] = make(map[string]*callsm.Dialog)
	}
	c.mu.Unlock()
	return nil
}

// Dial starts a new outgoing call from the account identified by key to
// target. The returned Dialog is already registered for in-dialog request
// routing; call Start on it to send the INVITE.
func (c *Client) Dial(key account.Key, target sip.Uri) (*callsm.Dialog, error) {
	entry, ok := c.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("sipclient: unknown account %s", key)
	}
	if entry.Account.HasActiveCall() {
		return nil, fmt.Errorf("sipclient: account %s already has an active call", key)
	}

	c.mu.Lock()
	txl := c.txls[key]
	c.mu.Unlock()
	if txl == nil {
		return nil, fmt.Errorf("sipclient: account %s has no transaction layer", key)
	}

	dlg := callsm.NewOutgoing(entry.Account, txl, c.cfg.Media, c.cfg.Sink, target)
	c.addDialog(key, dlg)
	return dlg, nil
}

// Registry exposes the underlying account registry for read access (state
// inspection, account enumeration) without handing out mutation methods.
func (c *Client) Registry() *account.Registry { return c.registry }

// Reconnect exposes the reconnection controller so a façade can forward
// platform network-state callbacks (OnNetworkLost/OnNetworkRestored) and
// force a manual reconnect.
func (c *Client) Reconnect() *reconnect.Controller { return c.recon }

// ActiveCallCount returns how many non-terminated calls are currently
// tracked across every account, used by tests and the façade's UI badge.
func (c *Client) ActiveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, dialogs := range c.calls {
		for _, d := range dialogs {
			if s := d.State(); s != callsm.StateEnded && s != callsm.StateError {
				n++
			}
		}
	}
	return n
}
