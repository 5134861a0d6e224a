package account

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process-wide account arena keyed by account-key (spec
// §4.7, §9 "cyclic references" redesign note). Components receive the key
// and query the registry instead of holding a direct pointer back to their
// owning account, so Account/transport/RegistrationManager never form a
// reference cycle.
type Registry struct {
	mu       sync.RWMutex
	accounts map[Key]*Entry

	activeCalls prometheus.Gauge
	regGauge    *prometheus.GaugeVec
}

// Entry bundles an account with the manager bound to it.
type Entry struct {
	Account *Account
	RegMgr  *RegistrationManager
}

// NewRegistry returns an empty registry. If reg is non-nil, Prometheus
// collectors for registration state and active-call count are registered
// against it (spec §6 ambient metrics), matching the way the teacher wires
// promhttp in cmd/proxysip/main.go - the collectors are opt-in rather than
// a package-level global.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{accounts: make(map[Key]*Entry)}
	if reg != nil {
		r.activeCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sip_active_calls",
			Help: "Number of accounts currently on a connected call.",
		})
		r.regGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sip_registration_state",
			Help: "Registration state per account (0=None,1=InProgress,2=Ok,3=Failed).",
		}, []string{"account"})
		reg.MustRegister(r.activeCalls, r.regGauge)
	}
	return r
}

// Put installs an account and its registration manager into the registry,
// keyed by account.Key(), and wires both to this registry's Prometheus
// gauges: m reports every future FSM transition, a reports every future
// active-call change, and the gauges are seeded with a and m's current
// values immediately so a successful initial REGISTER (which completes
// before Put runs) isn't missed.
func (r *Registry) Put(a *Account, m *RegistrationManager) {
	key := a.Key()

	r.mu.Lock()
	r.accounts[key] = &Entry{Account: a, RegMgr: m}
	r.mu.Unlock()

	m.stateObserver = func(s RegistrationState) { r.observeState(key, s) }
	a.activeCallObserver = func() { r.observeActiveCalls() }

	state, _, _ := a.State()
	r.observeState(key, state)
	r.observeActiveCalls()
}

// Get looks up an account-key.
func (r *Registry) Get(key Key) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.accounts[key]
	return e, ok
}

// Delete removes an account-key from the registry (unregister / teardown).
func (r *Registry) Delete(key Key) {
	r.mu.Lock()
	delete(r.accounts, key)
	r.mu.Unlock()
	if r.regGauge != nil {
		r.regGauge.DeleteLabelValues(string(key))
	}
}

// Keys returns a snapshot of all account keys currently registered in the
// arena, used by the reconnection controller to iterate accounts.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.accounts))
	for k := range r.accounts {
		keys = append(keys, k)
	}
	return keys
}

// Len reports how many accounts are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// observeState publishes a registration-state transition to the
// sip_registration_state gauge, if metrics are enabled.
func (r *Registry) observeState(key Key, s RegistrationState) {
	if r.regGauge == nil {
		return
	}
	r.regGauge.WithLabelValues(string(key)).Set(float64(s))
}

// observeActiveCalls recomputes the active-call gauge across every account
// in the arena. Called after any SetActiveCall/ClearActiveCall.
func (r *Registry) observeActiveCalls() {
	if r.activeCalls == nil {
		return
	}
	r.mu.RLock()
	n := 0
	for _, e := range r.accounts {
		if e.Account.HasActiveCall() {
			n++
		}
	}
	r.mu.RUnlock()
	r.activeCalls.Set(float64(n))
}
