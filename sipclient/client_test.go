package sipclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/reconnect"
	"github.com/mobilesip/sipcore/sip"
)

// fakeConn is a minimal in-memory sip.Connection that answers every
// REGISTER with 200 OK and records every message it is asked to write
// (REGISTERs, INVITE responses, in-dialog requests), so tests can assert on what the
// router sent back over the wire.
type fakeConn struct {
	mu      sync.Mutex
	written []sip.Message
	handler sip.MessageHandler
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060}
}

func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()

	if req, ok := msg.(*sip.Request); ok && req.Method == sip.REGISTER {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		go c.handler(res)
	}
	return nil
}

func (c *fakeConn) Ref(i int) int          { return 0 }
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) responses() []*sip.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*sip.Response
	for _, m := range c.written {
		if r, ok := m.(*sip.Response); ok {
			out = append(out, r)
		}
	}
	return out
}

func newFakeDialer() (reconnect.Dialer, *fakeConn) {
	conn := &fakeConn{}
	d := func(ctx context.Context, addr string, parser *sip.Parser, handler sip.MessageHandler, onClose func(error), log zerolog.Logger) (sip.Connection, error) {
		conn.handler = handler
		return conn, nil
	}
	return d, conn
}

// fakeMedia is a no-op media.Engine producing placeholder SDP bodies.
type fakeMedia struct{}

func (fakeMedia) Initialize(ctx context.Context) error { return nil }
func (fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	return "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n", nil
}
func (fakeMedia) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	return "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4002 RTP/AVP 0\r\n", nil
}
func (fakeMedia) ApplyAnswer(ctx context.Context, remoteSDP string) error    { return nil }
func (fakeMedia) SetHold(ctx context.Context, hold bool) (string, error)    { return "", nil }
func (fakeMedia) SetMuted(ctx context.Context, muted bool) error            { return nil }
func (fakeMedia) Dispose(ctx context.Context) error                         { return nil }

// eventSink records every listener.Event delivered during a test.
type eventSink struct {
	mu     sync.Mutex
	events []listener.Event
}

func (s *eventSink) Notify(e listener.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) countKind(k listener.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T) (*Client, *fakeConn, *eventSink) {
	t.Helper()
	dial, conn := newFakeDialer()
	sink := &eventSink{}
	c := New(Config{
		Media: fakeMedia{},
		Sink:  sink,
		Log:   zerolog.Nop(),
		Dial:  dial,
	})
	return c, conn, sink
}

func addTestAccount(t *testing.T, c *Client, username, domain string) *account.Account {
	t.Helper()
	acc := account.New(username, domain, account.Credentials{Username: username, Password: "secret"}, "", zerolog.Nop())
	cfg := reconnect.AccountConfig{
		Account:       acc,
		Registrar:     sip.Uri{User: username, Host: domain},
		RegistrarAddr: domain + ":5060",
		ExpirySeconds: 3600,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.AddAccount(ctx, cfg))
	return acc
}

func buildIncomingInvite(t *testing.T, callID, fromUser, toUser, toDomain string) *sip.Request {
	t.Helper()
	raw := strings.Join([]string{
		"INVITE sip:" + toUser + "@" + toDomain + " SIP/2.0",
		"Via: SIP/2.0/WS 203.0.113.9;branch=" + sip.GenerateBranch(),
		"From: <sip:" + fromUser + "@peer.example>;tag=" + sip.GenerateTagN(8),
		"To: <sip:" + toUser + "@" + toDomain + ">",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		"Contact: <sip:" + fromUser + "@203.0.113.9>",
		"Content-Type: application/sdp",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func TestClientAddAccountRegisters(t *testing.T) {
	c, conn, _ := newTestClient(t)
	acc := addTestAccount(t, c, "alice", "example.com")

	state, _, _ := acc.State()
	require.Equal(t, account.StateOk, state)

	entry, ok := c.Registry().Get(acc.Key())
	require.True(t, ok)
	require.Same(t, acc, entry.Account)
	_ = conn
}

func TestClientRoutesIncomingInviteAndFiresEvent(t *testing.T) {
	c, conn, sink := newTestClient(t)
	addTestAccount(t, c, "alice", "example.com")

	c.mu.Lock()
	txl := c.txls[account.MakeKey("alice", "example.com")]
	c.mu.Unlock()
	require.NotNil(t, txl)

	req := buildIncomingInvite(t, "call-1@test", "bob", "alice", "example.com")
	txl.Receive(req)

	require.Eventually(t, func() bool {
		return sink.countKind(listener.IncomingCall) == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, c.ActiveCallCount())

	require.Eventually(t, func() bool {
		for _, res := range conn.responses() {
			if res.StatusCode == sip.StatusTrying {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClientSecondIncomingInviteGetsBusyHere(t *testing.T) {
	c, conn, sink := newTestClient(t)
	addTestAccount(t, c, "alice", "example.com")

	c.mu.Lock()
	txl := c.txls[account.MakeKey("alice", "example.com")]
	c.mu.Unlock()
	require.NotNil(t, txl)

	first := buildIncomingInvite(t, "call-1@test", "bob", "alice", "example.com")
	txl.Receive(first)
	require.Eventually(t, func() bool {
		return sink.countKind(listener.IncomingCall) == 1
	}, time.Second, 10*time.Millisecond)

	second := buildIncomingInvite(t, "call-2@test", "carol", "alice", "example.com")
	txl.Receive(second)

	require.Eventually(t, func() bool {
		for _, res := range conn.responses() {
			if res.StatusCode == sip.StatusBusyHere {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, fmt.Sprintf("expected a 486 among responses: %+v", conn.responses()))
}
