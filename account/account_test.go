package account

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mobilesip/sipcore/sip"
)

func TestAccountKey(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice"}, "", zerolog.Nop())
	require.Equal(t, Key("alice@example.com"), acc.Key())
	require.Equal(t, Key("alice@example.com"), MakeKey("alice", "example.com"))
}

func TestAccountStateTransitions(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice"}, "", zerolog.Nop())

	state, _, _ := acc.State()
	require.Equal(t, StateNone, state)

	acc.setState(StateInProgress)
	state, _, _ = acc.State()
	require.Equal(t, StateInProgress, state)

	expiresAt := time.Now().Add(time.Hour)
	acc.setOk(expiresAt)
	state, gotExpiry, reason := acc.State()
	require.Equal(t, StateOk, state)
	require.Equal(t, expiresAt, gotExpiry)
	require.Empty(t, reason)

	acc.MarkFailed("no response")
	state, _, reason = acc.State()
	require.Equal(t, StateFailed, state)
	require.Equal(t, "no response", reason)

	acc.ResetToNone()
	state, _, reason = acc.State()
	require.Equal(t, StateNone, state)
	require.Empty(t, reason)
}

func TestAccountSetConn(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice"}, "", zerolog.Nop())
	require.Nil(t, acc.Conn)

	conn := &fakeConn{}
	acc.SetConn(conn)
	require.Same(t, sip.Connection(conn), acc.Conn)
}

func TestAccountContact(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice"}, "", zerolog.Nop())
	require.Equal(t, sip.Uri{}, acc.Contact())

	u := sip.Uri{User: "alice", Host: "203.0.113.5", Port: 5060}
	acc.SetContact(u)
	require.Equal(t, u, acc.Contact())
}

func TestAccountActiveCallLifecycle(t *testing.T) {
	acc := New("alice", "example.com", Credentials{Username: "alice"}, "", zerolog.Nop())
	require.False(t, acc.HasActiveCall())

	acc.SetActiveCall("call-1")
	require.True(t, acc.HasActiveCall())

	// Clearing a different call ID must not disturb the active one.
	acc.ClearActiveCall("call-2")
	require.True(t, acc.HasActiveCall())

	acc.ClearActiveCall("call-1")
	require.False(t, acc.HasActiveCall())
}
