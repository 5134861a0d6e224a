// Package reconnect implements the unified reconnection controller (spec
// §4.6, §9 "duplicated reconnection logic" redesign note): one component
// reacting to network-loss/restore signals and per-account transport drops,
// collapsing what the source spread across two overlapping managers.
package reconnect

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/sip"
	"github.com/mobilesip/sipcore/store"
	"github.com/mobilesip/sipcore/transport"
)

// Timing and backoff constants (spec §4.6), kept as the single unified set
// the redesign note calls for rather than the source's two divergent ones.
const (
	StabilityDelay  = 3 * time.Second
	RegTimeout      = 15 * time.Second
	RecoveryTimeout = 10 * time.Second
	BackoffBase     = 2 * time.Second
	BackoffMax      = 30 * time.Second
	MaxAttempts     = 5
)

// Dialer opens a new transport connection, wiring handler as the per-message
// callback and onClose as the transport-dropped notification (spec §2 item
// 1, §6 "event stream"). New falls back to transport.Dial when given a nil
// Dialer; tests substitute a fake that never touches a real socket.
type Dialer func(ctx context.Context, addr string, parser *sip.Parser, handler sip.MessageHandler, onClose func(error), log zerolog.Logger) (sip.Connection, error)

func defaultDialer(ctx context.Context, addr string, parser *sip.Parser, handler sip.MessageHandler, onClose func(error), log zerolog.Logger) (sip.Connection, error) {
	return transport.Dial(ctx, addr, parser, handler, onClose, log)
}

// AccountConfig is everything the controller needs to rebuild one account's
// transport, transaction layer and registration manager from scratch.
type AccountConfig struct {
	Account       *account.Account
	Registrar     sip.Uri // Address-of-Record recipient for REGISTER
	RegistrarAddr string  // host:port the transport dials
	ExpirySeconds uint32
}

// calculateBackoff implements spec §4.6 invariant 7:
// delay_n = min(BASE·2^(n-1) + jitter, MAX), jitter uniform in [0, BASE].
func calculateBackoff(n int) time.Duration {
	raw := BackoffBase * time.Duration(int64(1)<<uint(n-1))
	jitter := time.Duration(rand.Int63n(int64(BackoffBase) + 1))
	delay := raw + jitter
	if delay > BackoffMax {
		delay = BackoffMax
	}
	return delay
}

// Controller is the single reconnection manager for every account in
// registry (spec §4.6). All public methods are safe to call concurrently.
type Controller struct {
	registry       *account.Registry
	parser         *sip.Parser
	store          store.Store
	dial           Dialer
	requestHandler sip.TransactionRequestHandler
	sink           listener.Sink
	log            zerolog.Logger

	attemptsTotal prometheus.Counter

	// onConnected, if set, is invoked after every successful
	// connectAccount with the freshly built transaction layer, so a
	// caller that routes requests per-account (sipclient.Client) can keep
	// its own txl reference current across reconnects.
	onConnected func(key account.Key, txl *sip.TransactionLayer)

	mu       sync.Mutex
	configs  map[account.Key]AccountConfig
	attempts map[account.Key]int
	inflight map[account.Key]bool
	cancel   map[account.Key]context.CancelFunc
	epoch    int
	running  bool
}

// New builds a Controller. st, sink and metricsReg may be nil (no
// store-backed recovery, no listener events, no Prometheus registration,
// respectively); dial defaults to transport.Dial when nil. requestHandler is
// installed on every (re)constructed TransactionLayer so in-dialog/incoming
// requests keep reaching the same router regardless of how many times the
// transport has been redialed. sink is forwarded to every account's
// RegistrationManager so registration state changes reach the façade (spec
// §6 "Listener surface").
func New(registry *account.Registry, parser *sip.Parser, st store.Store, dial Dialer, requestHandler sip.TransactionRequestHandler, sink listener.Sink, metricsReg *prometheus.Registry, log zerolog.Logger) *Controller {
	if dial == nil {
		dial = defaultDialer
	}
	c := &Controller{
		registry:       registry,
		parser:         parser,
		store:          st,
		dial:           dial,
		requestHandler: requestHandler,
		sink:           sink,
		log:            log.With().Str("component", "reconnect").Logger(),
		configs:        make(map[account.Key]AccountConfig),
		attempts:       make(map[account.Key]int),
		inflight:       make(map[account.Key]bool),
		cancel:         make(map[account.Key]context.CancelFunc),
	}
	if metricsReg != nil {
		c.attemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sip_reconnect_attempts_total",
			Help: "Total number of per-account reconnection attempts made.",
		})
		metricsReg.MustRegister(c.attemptsTotal)
	}
	return c
}

// OnConnected installs a callback fired with the new transaction layer
// every time connectAccount succeeds, including on every reconnect replay.
func (c *Controller) OnConnected(fn func(key account.Key, txl *sip.TransactionLayer)) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// AddAccount registers cfg with the controller and performs its initial
// connect-and-register, installing the result into the registry on success.
func (c *Controller) AddAccount(ctx context.Context, cfg AccountConfig) error {
	c.mu.Lock()
	c.configs[cfg.Account.Key()] = cfg
	c.attempts[cfg.Account.Key()] = 0
	c.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, RegTimeout)
	defer cancel()
	return c.connectAccount(attemptCtx, cfg)
}

// RemoveAccount forgets cfg's account and cancels any in-flight retry for it.
func (c *Controller) RemoveAccount(key account.Key) {
	c.mu.Lock()
	delete(c.configs, key)
	delete(c.attempts, key)
	if cancel, ok := c.cancel[key]; ok {
		cancel()
		delete(c.cancel, key)
	}
	delete(c.inflight, key)
	c.mu.Unlock()
}

func (c *Controller) snapshotConfigs() []AccountConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfgs := make([]AccountConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		cfgs = append(cfgs, cfg)
	}
	return cfgs
}

// OnNetworkLost implements spec §4.6 step 1: cancel every in-flight
// reconnection job, mark every account None, keep the in-memory account
// list untouched.
func (c *Controller) OnNetworkLost() {
	c.mu.Lock()
	c.epoch++
	for key, cancel := range c.cancel {
		cancel()
		delete(c.cancel, key)
	}
	cfgs := make([]AccountConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		cfgs = append(cfgs, cfg)
	}
	c.mu.Unlock()

	for _, cfg := range cfgs {
		cfg.Account.ResetToNone()
	}
	c.log.Info().Msg("network lost: accounts reset to None")
}

// OnNetworkRestored implements spec §4.6 step 2: wait STABILITY_DELAY, then
// run reconnection if the network hasn't dropped again in the meantime.
func (c *Controller) OnNetworkRestored(ctx context.Context) {
	c.mu.Lock()
	myEpoch := c.epoch
	c.mu.Unlock()

	select {
	case <-time.After(StabilityDelay):
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	stillCurrent := c.epoch == myEpoch
	c.mu.Unlock()
	if !stillCurrent {
		c.log.Debug().Msg("network dropped again during stability delay, skipping reconnection")
		return
	}

	c.runReconnection(ctx)
}

// OnTransportClosed reacts to a single account's transport dropping outside
// of a full network-loss event (spec S4 "transport drop mid-call"): the
// account goes back to None and is retried on its own, without touching any
// other account's state.
func (c *Controller) OnTransportClosed(ctx context.Context, key account.Key) {
	c.mu.Lock()
	cfg, ok := c.configs[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	cfg.Account.ResetToNone()
	c.startReconnect(ctx, cfg)
}

// ForceReconnect implements spec §4.6 step 6: reset every attempt counter
// and re-enter reconnection immediately, without waiting for stability.
func (c *Controller) ForceReconnect(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	for key := range c.attempts {
		c.attempts[key] = 0
	}
	for key, cancel := range c.cancel {
		cancel()
		delete(c.cancel, key)
	}
	c.mu.Unlock()

	c.runReconnection(ctx)
}

// runReconnection is idempotent: a second concurrent call while one is
// already running is a no-op (spec §4.6 "Idempotence").
func (c *Controller) runReconnection(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.log.Debug().Msg("reconnection already in progress, skipping")
		return
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	cfgs := c.snapshotConfigs()
	if len(cfgs) == 0 && c.store != nil {
		cfgs = c.recoverFromStore(ctx)
	}

	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		wg.Add(1)
		go func(cfg AccountConfig) {
			defer wg.Done()
			c.startReconnect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
}

// recoverFromStore implements spec §4.6 step 4: when the in-memory account
// set is empty (process restart), rebuild configs from the persistent
// store. The registrar host is assumed to be the account's own domain,
// since AccountRecord carries no separate registrar address - a
// simplification over the full system, which might configure them
// independently.
func (c *Controller) recoverFromStore(ctx context.Context) []AccountConfig {
	recCtx, cancel := context.WithTimeout(ctx, RecoveryTimeout)
	defer cancel()

	records, err := c.store.ListRegisteredAccounts(recCtx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to recover accounts from store")
		return nil
	}

	cfgs := make([]AccountConfig, 0, len(records))
	for _, rec := range records {
		acc := account.New(rec.Username, rec.Domain,
			account.Credentials{Username: rec.Username, Password: rec.Password, HA1: rec.HA1},
			rec.UserAgent, c.log)

		cfg := AccountConfig{
			Account:       acc,
			Registrar:     sip.Uri{User: rec.Username, Host: rec.Domain},
			RegistrarAddr: rec.Domain,
			ExpirySeconds: 3600,
		}

		c.mu.Lock()
		c.configs[acc.Key()] = cfg
		c.attempts[acc.Key()] = 0
		c.mu.Unlock()

		cfgs = append(cfgs, cfg)
	}
	c.log.Info().Int("count", len(cfgs)).Msg("recovered accounts from persistent store")
	return cfgs
}

// startReconnect guards one account's retry loop with the per-account
// inflight flag, so OnTransportClosed and a full reconnection round never
// double-drive the same account.
func (c *Controller) startReconnect(ctx context.Context, cfg AccountConfig) {
	key := cfg.Account.Key()

	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = true
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel[key] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		delete(c.cancel, key)
		c.mu.Unlock()
		cancel()
	}()

	c.reconnectAccountWithRetry(attemptCtx, cfg)
}

// reconnectAccountWithRetry implements spec §4.6 step 5: exponential
// backoff up to MAX_ATTEMPTS, after which the account moves to Failed and
// is dropped from the active retry set until the next external trigger.
func (c *Controller) reconnectAccountWithRetry(ctx context.Context, cfg AccountConfig) {
	key := cfg.Account.Key()

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.attempts[key] = attempt
		c.mu.Unlock()
		if c.attemptsTotal != nil {
			c.attemptsTotal.Inc()
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, RegTimeout)
		err := c.connectAccount(attemptCtx, cfg)
		cancelAttempt()

		if err == nil {
			c.mu.Lock()
			c.attempts[key] = 0
			c.mu.Unlock()
			return
		}

		c.log.Warn().Err(err).Str("account", string(key)).Int("attempt", attempt).Msg("reconnection attempt failed")

		if attempt == MaxAttempts {
			cfg.Account.MarkFailed(err.Error())
			c.log.Error().Str("account", string(key)).Msg("max reconnection attempts exhausted, account marked Failed")
			return
		}

		delay := calculateBackoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectAccount implements spec §4.6 step 3 for one account: tear down any
// lingering transport, open a new one, issue REGISTER, and wait for Ok or
// Failed. A forward-declared transaction layer variable lets the dial
// handler and the transaction layer reference each other despite the
// transport needing a handler before the transaction layer can be built
// from its connection. The dial's onClose callback feeds the transport's
// close notification back into OnTransportClosed on a fresh context, since
// by the time a read loop exits, ctx (scoped to this one connect attempt or
// retry) may already be done.
func (c *Controller) connectAccount(ctx context.Context, cfg AccountConfig) error {
	acc := cfg.Account
	key := acc.Key()

	if acc.Conn != nil {
		acc.Conn.Close()
	}

	var (
		txlMu sync.Mutex
		txl   *sip.TransactionLayer
	)
	handler := func(msg sip.Message) {
		txlMu.Lock()
		t := txl
		txlMu.Unlock()
		if t != nil {
			t.Receive(msg)
		}
	}
	onClose := func(err error) {
		c.OnTransportClosed(context.Background(), key)
	}

	conn, err := c.dial(ctx, cfg.RegistrarAddr, c.parser, handler, onClose, c.log)
	if err != nil {
		return fmt.Errorf("reconnect: dial %s: %w", cfg.RegistrarAddr, err)
	}

	newTxl := sip.NewTransactionLayer(conn, sip.WithTransactionLayerZeroLogger(c.log))
	if c.requestHandler != nil {
		newTxl.OnRequest(c.requestHandler)
	}
	txlMu.Lock()
	txl = newTxl
	txlMu.Unlock()

	acc.SetConn(conn)
	acc.SetContact(sip.Uri{User: acc.Username, Host: cfg.Registrar.Host})

	mgr := account.NewRegistrationManager(acc, newTxl, cfg.Registrar, cfg.ExpirySeconds, c.sink)
	if err := mgr.Register(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("reconnect: register %s: %w", acc.Key(), err)
	}

	c.registry.Put(acc, mgr)

	c.mu.Lock()
	onConnected := c.onConnected
	c.mu.Unlock()
	if onConnected != nil {
		onConnected(acc.Key(), newTxl)
	}
	return nil
}
