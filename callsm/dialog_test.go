package callsm

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/sip"
)

// fakeConn is a minimal in-memory sip.Connection. respond is invoked for
// every outbound request and may return zero or more responses, delivered
// back through handler in order - enough to drive a dialog through a full
// provisional/final response sequence.
type fakeConn struct {
	mu      sync.Mutex
	written []sip.Message
	handler sip.MessageHandler
	respond func(req *sip.Request) []*sip.Response
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
	responses := c.respond(req)
	go func() {
		for _, res := range responses {
			c.handler(res)
		}
	}()
	return nil
}

func (c *fakeConn) Ref(i int) int          { return 0 }
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) requestsByMethod(method sip.RequestMethod) []*sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*sip.Request
	for _, m := range c.written {
		if r, ok := m.(*sip.Request); ok && r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// fakeMedia produces syntactically valid SDP without touching a real device.
type fakeMedia struct {
	mu   sync.Mutex
	hold bool
}

func (m *fakeMedia) Initialize(ctx context.Context) error { return nil }
func (m *fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	return "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=sendrecv\r\n", nil
}
func (m *fakeMedia) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	return "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4002 RTP/AVP 0\r\na=sendrecv\r\n", nil
}
func (m *fakeMedia) ApplyAnswer(ctx context.Context, remoteSDP string) error { return nil }
func (m *fakeMedia) SetHold(ctx context.Context, hold bool) (string, error) {
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
	dir := "sendrecv"
	if hold {
		dir = "sendonly"
	}
	return "v=0\r\no=- 3 3 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=" + dir + "\r\n", nil
}
func (m *fakeMedia) SetMuted(ctx context.Context, muted bool) error { return nil }
func (m *fakeMedia) Dispose(ctx context.Context) error              { return nil }

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

func (s *eventSink) kinds() []listener.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]listener.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func newTestAccountWithConn(t *testing.T) (*account.Account, *fakeConn, *sip.TransactionLayer) {
	t.Helper()
	acc := account.New("alice", "example.com", account.Credentials{Username: "alice", Password: "secret"}, "", zerolog.Nop())
	conn := &fakeConn{}
	acc.SetConn(conn)
	acc.SetContact(sip.Uri{User: "alice", Host: "127.0.0.1", Port: 15060})

	txl := sip.NewTransactionLayer(conn)
	conn.handler = txl.Receive
	return acc, conn, txl
}

func TestDialogOutgoingHappyPathAndBye(t *testing.T) {
	acc, conn, txl := newTestAccountWithConn(t)
	sink := &eventSink{}
	target := sip.Uri{User: "bob", Host: "example.com"}

	var toTag string
	conn.respond = func(req *sip.Request) []*sip.Response {
		switch req.Method {
		case sip.INVITE:
			toTag = sip.GenerateTagN(10)
			trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
			ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
			ok := sip.NewSDPResponseFromRequest(req, []byte("v=0\r\no=- 9 9 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4004 RTP/AVP 0\r\na=sendrecv\r\n"))
			if to := ok.To(); to != nil {
				to.Params.Add("tag", toTag)
			}
			ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "127.0.0.2", Port: 15060}})
			return []*sip.Response{trying, ringing, ok}
		case sip.BYE:
			return []*sip.Response{sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)}
		}
		return nil
	}

	dlg := NewOutgoing(acc, txl, &fakeMedia{}, sink, target)
	require.Equal(t, StateOutgoingInit, dlg.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dlg.Start(ctx))

	require.Equal(t, StateConnected, dlg.State())
	require.True(t, acc.HasActiveCall())

	dialogState, ok := dlg.DialogState()
	require.True(t, ok)
	require.Equal(t, sip.DialogStateConfirmed, dialogState)

	invites := conn.requestsByMethod(sip.INVITE)
	require.Len(t, invites, 1)
	require.NotEmpty(t, invites[0].Body())

	require.Contains(t, sink.kinds(), listener.CallRinging)
	require.Contains(t, sink.kinds(), listener.CallConnected)

	require.NoError(t, dlg.Bye(ctx))
	require.Equal(t, StateEnded, dlg.State())
	require.False(t, acc.HasActiveCall())
	require.Contains(t, sink.kinds(), listener.CallEnded)

	dialogState, ok = dlg.DialogState()
	require.True(t, ok)
	require.Equal(t, sip.DialogStateEnded, dialogState)

	byes := conn.requestsByMethod(sip.BYE)
	require.Len(t, byes, 1)
}

func buildIncomingInviteRequest(t *testing.T, callID string) *sip.Request {
	t.Helper()
	raw := strings.Join([]string{
		"INVITE sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 203.0.113.9;branch=" + sip.GenerateBranch(),
		"From: <sip:bob@peer.example>;tag=" + sip.GenerateTagN(8),
		"To: <sip:alice@example.com>",
		"Call-ID: " + callID,
		"CSeq: 1 INVITE",
		"Contact: <sip:bob@203.0.113.9>",
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

// buildServerTx feeds req through txl so the transaction layer's own
// ServerTx bookkeeping and the dialog under test stay consistent.
func buildServerTx(t *testing.T, txl *sip.TransactionLayer, req *sip.Request) *sip.ServerTx {
	t.Helper()
	var captured *sip.ServerTx
	done := make(chan struct{})
	txl.OnRequest(func(r *sip.Request, tx *sip.ServerTx) {
		captured = tx
		close(done)
	})
	txl.Receive(req)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server transaction never created")
	}
	return captured
}

func TestDialogIncomingAcceptConnectsCall(t *testing.T) {
	acc, conn, txl := newTestAccountWithConn(t)
	sink := &eventSink{}

	req := buildIncomingInviteRequest(t, "call-accept@test")
	tx := buildServerTx(t, txl, req)

	dlg := NewIncoming(acc, txl, &fakeMedia{}, sink, req, tx)
	require.Equal(t, StateIncomingReceived, dlg.State())
	require.Contains(t, sink.kinds(), listener.IncomingCall)

	var trying, ok bool
	for _, res := range conn.written {
		r, isResp := res.(*sip.Response)
		if !isResp {
			continue
		}
		if r.StatusCode == sip.StatusTrying {
			trying = true
		}
		if r.StatusCode == sip.StatusOK {
			ok = true
		}
	}
	require.True(t, trying)
	require.False(t, ok) // not yet accepted

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		tx.Receive(sip.NewRequest(sip.ACK, *req.Recipient.Clone()))
	}()

	require.NoError(t, dlg.Accept(ctx))
	require.Equal(t, StateConnected, dlg.State())
	require.True(t, acc.HasActiveCall())
	require.Contains(t, sink.kinds(), listener.CallConnected)

	dialogState, dsOK := dlg.DialogState()
	require.True(t, dsOK)
	require.Equal(t, sip.DialogStateConfirmed, dialogState)
}

func TestDialogAccountReportsActiveCallForBusyRouting(t *testing.T) {
	acc, _, _ := newTestAccountWithConn(t)
	acc.SetActiveCall("call-already-active")
	require.True(t, acc.HasActiveCall())
	// Busy-Here routing itself lives in sipclient.Client, not callsm; this
	// just confirms the invariant's account-level signal a router checks.
}

func TestDialogDeflect(t *testing.T) {
	acc, conn, txl := newTestAccountWithConn(t)
	sink := &eventSink{}

	req := buildIncomingInviteRequest(t, "call-deflect@test")
	tx := buildServerTx(t, txl, req)
	dlg := NewIncoming(acc, txl, &fakeMedia{}, sink, req, tx)

	conn.respond = func(r *sip.Request) []*sip.Response {
		if r.Method == sip.REFER {
			return []*sip.Response{sip.NewResponseFromRequest(r, statusAccepted, "Accepted", nil)}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dlg.Deflect(ctx, sip.Uri{User: "vm", Host: "example.com"}))

	require.Equal(t, StateEnded, dlg.State())
	require.Contains(t, sink.kinds(), listener.CallEnded)

	refers := conn.requestsByMethod(sip.REFER)
	require.Len(t, refers, 1)
	require.NotNil(t, refers[0].GetHeader("Refer-To"))

	// Deflected before ever sending a 2xx: no dialog was established to end.
	_, ok := dlg.DialogState()
	require.False(t, ok)
}

func TestDialogHoldResumeRoundTrip(t *testing.T) {
	acc, conn, txl := newTestAccountWithConn(t)
	sink := &eventSink{}
	target := sip.Uri{User: "bob", Host: "example.com"}

	toTag := sip.GenerateTagN(10)
	conn.respond = func(req *sip.Request) []*sip.Response {
		switch req.Method {
		case sip.INVITE:
			if req.CSeq() != nil && req.CSeq().SeqNo == 1 {
				ok := sip.NewSDPResponseFromRequest(req, []byte("v=0\r\no=- 9 9 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4004 RTP/AVP 0\r\na=sendrecv\r\n"))
				if to := ok.To(); to != nil {
					to.Params.Add("tag", toTag)
				}
				ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "127.0.0.2", Port: 15060}})
				return []*sip.Response{ok}
			}
			// re-INVITE for hold/resume
			return []*sip.Response{sip.NewSDPResponseFromRequest(req, []byte("v=0\r\no=- 9 9 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4004 RTP/AVP 0\r\na=sendrecv\r\n"))}
		}
		return nil
	}

	dlg := NewOutgoing(acc, txl, &fakeMedia{}, sink, target)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dlg.Start(ctx))
	require.Equal(t, StateConnected, dlg.State())

	require.NoError(t, dlg.Hold(ctx))
	require.Equal(t, StateHeld, dlg.State())

	require.NoError(t, dlg.Resume(ctx))
	require.Equal(t, StateConnected, dlg.State())

	reinvites := conn.requestsByMethod(sip.INVITE)
	require.Len(t, reinvites, 3) // initial + hold + resume
	require.Contains(t, string(reinvites[1].Body()), "sendonly")
}
