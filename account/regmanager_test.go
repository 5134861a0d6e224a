package account

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/sip"
)

// fakeConn is a minimal in-memory sip.Connection whose behavior on a
// REGISTER is driven by a test-supplied respond callback, mirroring
// reconnect/controller_test.go's fake of the same shape.
type fakeConn struct {
	mu      sync.Mutex
	written []sip.Message
	handler sip.MessageHandler
	respond func(req *sip.Request) *sip.Response
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15060}
}

func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()

	req, ok := msg.(*sip.Request)
	if !ok || c.respond == nil {
		return nil
	}
	if res := c.respond(req); res != nil {
		go c.handler(res)
	}
	return nil
}

func (c *fakeConn) Ref(i int) int          { return 0 }
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.written {
		if _, ok := m.(*sip.Request); ok {
			n++
		}
	}
	return n
}

func newTestRegManager(t *testing.T, respond func(req *sip.Request) *sip.Response) (*RegistrationManager, *fakeConn) {
	t.Helper()
	acc := New("alice", "example.com", Credentials{Username: "alice", Password: "secret"}, "", zerolog.Nop())
	conn := &fakeConn{respond: respond}
	acc.SetConn(conn)

	txl := sip.NewTransactionLayer(conn)
	conn.handler = txl.Receive

	recipient := sip.Uri{User: "alice", Host: "example.com"}
	m := NewRegistrationManager(acc, txl, recipient, 3600, nil)
	return m, conn
}

func TestRegistrationManagerRegisterOk(t *testing.T) {
	m, conn := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	err := m.Register(context.Background())
	require.NoError(t, err)
	require.Equal(t, RegStateRegistered, m.State())
	require.Equal(t, 1, conn.requestCount())

	state, expiresAt, _ := m.acc.State()
	require.Equal(t, StateOk, state)
	require.True(t, expiresAt.After(time.Now()))

	m.stopRefreshTimer()
}

func TestRegistrationManagerRegisterRetriesWithDigestAuth(t *testing.T) {
	var attempt int
	m, conn := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		attempt++
		if attempt == 1 {
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5, qop="auth"`))
			return res
		}
		require.NotNil(t, req.GetHeader("Authorization"))
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	err := m.Register(context.Background())
	require.NoError(t, err)
	require.Equal(t, RegStateRegistered, m.State())
	require.Equal(t, 2, conn.requestCount())

	m.stopRefreshTimer()
}

func TestRegistrationManagerRegisterFailsOnSecondAuthChallenge(t *testing.T) {
	m, _ := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5, qop="auth"`))
		return res
	})

	err := m.Register(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "auth rejected"))
	require.Equal(t, RegStateFailed, m.State())

	state, _, reason := m.acc.State()
	require.Equal(t, StateFailed, state)
	require.NotEmpty(t, reason)
}

func TestRegistrationManagerRegisterRetriesWithMinExpires(t *testing.T) {
	var attempt int
	m, conn := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		attempt++
		if attempt == 1 {
			res := sip.NewResponseFromRequest(req, sip.StatusIntervalTooBrief, "Interval Too Brief", nil)
			res.AppendHeader(sip.NewHeader("Min-Expires", "1800"))
			return res
		}
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	err := m.Register(context.Background())
	require.NoError(t, err)
	require.Equal(t, RegStateRegistered, m.State())
	require.Equal(t, 2, conn.requestCount())

	m.stopRefreshTimer()
}

func TestRegistrationManagerUnregisterAlwaysReturnsToUnregistered(t *testing.T) {
	m, _ := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})
	require.NoError(t, m.Register(context.Background()))
	m.stopRefreshTimer()

	err := m.Unregister(context.Background())
	require.NoError(t, err)
	require.Equal(t, RegStateUnregistered, m.State())

	state, _, _ := m.acc.State()
	require.Equal(t, StateNone, state)
}

func TestRegistrationManagerRegisterTimesOutWithoutResponse(t *testing.T) {
	m, _ := newTestRegManager(t, func(req *sip.Request) *sip.Response {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Register(ctx)
	require.Error(t, err)
	require.Equal(t, RegStateFailed, m.State())
}

func TestRegistrationManagerNotifiesSinkOnStateChange(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice", Password: "secret"}, "", zerolog.Nop())
	conn := &fakeConn{respond: func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	}}
	acc.SetConn(conn)
	txl := sip.NewTransactionLayer(conn)
	conn.handler = txl.Receive

	var mu sync.Mutex
	var states []string
	sink := listener.Func(func(e listener.Event) {
		if e.Kind != listener.RegistrationStateChanged {
			return
		}
		mu.Lock()
		states = append(states, e.State)
		mu.Unlock()
	})

	m := NewRegistrationManager(acc, txl, sip.Uri{User: "alice", Host: "example.com"}, 3600, sink)
	require.NoError(t, m.Register(context.Background()))
	m.stopRefreshTimer()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{RegStateRegistering, RegStateRegistered}, states)
}

func TestRegistrationStateForMapsEveryFSMState(t *testing.T) {
	require.Equal(t, StateInProgress, registrationStateFor(RegStateRegistering))
	require.Equal(t, StateInProgress, registrationStateFor(RegStateRefreshing))
	require.Equal(t, StateOk, registrationStateFor(RegStateRegistered))
	require.Equal(t, StateFailed, registrationStateFor(RegStateFailed))
	require.Equal(t, StateNone, registrationStateFor(RegStateUnregistered))
	require.Equal(t, StateNone, registrationStateFor(RegStateExpired))
}
