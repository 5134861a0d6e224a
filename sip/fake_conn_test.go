package sip

import (
	"net"
	"sync"
	"sync/atomic"
)

// recordingConn is a minimal in-memory Connection used by transaction tests.
// It records every written message and lets a test push a raw response back
// in for a client transaction under test.
type recordingConn struct {
	mu      sync.Mutex
	written []Message
	ref     atomic.Int32
	closed  bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{}
}

func (c *recordingConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060}
}

func (c *recordingConn) WriteMsg(msg Message) error {
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Ref(i int) int {
	return int(c.ref.Add(int32(i)))
}

func (c *recordingConn) TryClose() (int, error) {
	n := c.ref.Add(-1)
	return int(n), nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.written))
	copy(out, c.written)
	return out
}
