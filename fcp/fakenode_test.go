package fcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// fakeNode answers client sessions over net.Pipe. Each dial runs handle on the
// node side of a fresh pipe.
type fakeNode struct {
	t      *testing.T
	handle func(conn *nodeConn, index int)
	refuse int32
	dials  atomic.Int32
}

func newFakeNode(t *testing.T, handle func(conn *nodeConn, index int)) *fakeNode {
	t.Helper()
	return &fakeNode{t: t, handle: handle}
}

func (n *fakeNode) dial(ctx context.Context, network, address string) (net.Conn, error) {
	index := int(n.dials.Add(1))
	if int32(index) <= n.refuse {
		return nil, errors.New("connection refused")
	}
	clientSide, nodeSide := net.Pipe()
	go func() {
		defer nodeSide.Close()
		n.handle(&nodeConn{
			t:      n.t,
			conn:   nodeSide,
			reader: bufio.NewReader(nodeSide),
		}, index)
	}()
	return clientSide, nil
}

func (n *fakeNode) client(options ClientOptions) *Client {
	options.dial = n.dial
	if options.ConnectionTimeout == 0 {
		options.ConnectionTimeout = 2 * time.Second
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = 2 * time.Second
	}
	return NewClient(options)
}

type nodeConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// expect reads the next message and ends the node goroutine on mismatch.
func (c *nodeConn) expect(verb string) *Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	m, err := Decode(c.reader)
	if err != nil || m == nil {
		c.t.Errorf("fake node: expected %s, got err=%v", verb, err)
		runtime.Goexit()
	}
	if m.Name != verb {
		c.t.Errorf("fake node: expected %s, got %s", verb, m.Name)
		runtime.Goexit()
	}
	return m
}

func (c *nodeConn) expectField(m *Message, key, want string) {
	c.t.Helper()
	if got := m.String(key); got != want {
		c.t.Errorf("fake node: %s %s=%q, want %q", m.Name, key, got, want)
	}
}

func (c *nodeConn) hello() {
	c.t.Helper()
	hello := c.expect(VerbClientHello)
	c.expectField(hello, "ExpectedVersion", ProtocolVersion)
	c.send(NewMessage(VerbNodeHello).
		Set("FCPVersion", ProtocolVersion).
		Set("Version", "Fred,0.7,1.0,1500").
		Set("Node", "Fred").
		SetInt("Build", 1500))
}

func (c *nodeConn) send(m *Message) {
	if err := Encode(c.conn, m); err != nil {
		runtime.Goexit()
	}
}

func (c *nodeConn) sendPayload(m *Message, payload []byte) {
	m.End = EndData
	c.send(m)
	if _, err := c.conn.Write(payload); err != nil {
		runtime.Goexit()
	}
}

func (c *nodeConn) readPayload(n int64) []byte {
	c.t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		c.t.Errorf("fake node: read payload: %v", err)
		runtime.Goexit()
	}
	return buf
}

// waitClosed blocks until the client closes its side.
func (c *nodeConn) waitClosed() {
	_ = c.conn.SetReadDeadline(time.Time{})
	_, _ = io.Copy(io.Discard, c.reader)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}

func fixtureBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
