// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testPeer is the server end of an in-memory connection.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func startTestPeer(t *testing.T, cfg Config) (*Client, *testPeer) {
	t.Helper()
	if cfg.Nick == "" {
		cfg.Nick = "alice"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	if err := c.StartConn(client); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	p := &testPeer{t: t, conn: server, r: bufio.NewReader(server)}
	p.expect("NICK")
	p.expect("USER")
	return c, p
}

func (p *testPeer) readMsg() *Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	msg, err := ParseMessage(line)
	if err != nil {
		p.t.Fatalf("peer got undecodable %q: %v", line, err)
	}
	return msg
}

func (p *testPeer) expect(command string) *Message {
	p.t.Helper()
	msg := p.readMsg()
	if msg.Command != command {
		p.t.Fatalf("peer got %s %q, want %s", msg.Command, msg.Params, command)
	}
	return msg
}

func (p *testPeer) writeLine(line string) {
	p.t.Helper()
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(p.conn, line+"\r\n"); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestHandshake(t *testing.T) {
	c, p := startTestPeer(t, Config{Nick: "alice", User: "ident", RealName: "Real Name", Pass: ""})
	// NICK and USER already consumed; nothing more should be queued.
	if err := c.Privmsg("#chan", "hi"); err != nil {
		t.Fatal(err)
	}
	msg := p.expect("PRIVMSG")
	if msg.Param(0) != "#chan" || msg.Param(1) != "hi" {
		t.Errorf("params = %q", msg.Params)
	}
}

func TestHandshakePass(t *testing.T) {
	cfg := Config{Nick: "alice", Pass: "hunter2", Logger: log.New(io.Discard, "", 0)}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	if err := c.StartConn(client); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	p := &testPeer{t: t, conn: server, r: bufio.NewReader(server)}
	if msg := p.expect("PASS"); msg.Param(0) != "hunter2" {
		t.Errorf("PASS params = %q", msg.Params)
	}
	p.expect("NICK")
	if msg := p.expect("USER"); msg.Param(0) != "alice" || msg.Param(3) != "alice" {
		t.Errorf("USER params = %q", msg.Params)
	}
}

func TestSendFIFO(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	const n = 25
	go func() {
		for i := 0; i < n; i++ {
			c.Privmsg("#chan", fmt.Sprintf("msg %d", i))
		}
	}()
	for i := 0; i < n; i++ {
		msg := p.expect("PRIVMSG")
		if want := fmt.Sprintf("msg %d", i); msg.Param(1) != want {
			t.Fatalf("out of order: got %q, want %q", msg.Param(1), want)
		}
	}
}

func TestSentCallback(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	sent := make(chan struct{})
	if err := c.Send(NewMessage("PRIVMSG", "#chan", "hello"), func() { close(sent) }); err != nil {
		t.Fatal(err)
	}
	p.expect("PRIVMSG")
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never ran")
	}
}

func TestQuitStopsClient(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	c.Quit("bye")
	if msg := p.expect("QUIT"); msg.Param(0) != "bye" {
		t.Errorf("QUIT params = %q", msg.Params)
	}
	waitDone(t, c)
}

func TestPeerCloseStopsClient(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	var stops int32
	c.OnStop(func() { atomic.AddInt32(&stops, 1) })
	p.conn.Close()
	waitDone(t, c)
	c.Stop() // repeat is a no-op
	if n := atomic.LoadInt32(&stops); n != 1 {
		t.Errorf("stop callback ran %d times, want 1", n)
	}
	if err := c.Send(NewMessage("PING", "x"), nil); err != ErrStopped {
		t.Errorf("Send after stop = %v, want ErrStopped", err)
	}
}

// Shutdown must win over a queue with free space every single time;
// a swallowed post-stop message would just vanish.
func TestSendAfterStop(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	p.conn.Close()
	waitDone(t, c)
	for i := 0; i < 50; i++ {
		if err := c.Send(NewMessage("PING", "x"), nil); err != ErrStopped {
			t.Fatalf("Send after stop = %v, want ErrStopped", err)
		}
		if err := c.TrySend(NewMessage("PING", "x"), nil); err != ErrStopped {
			t.Fatalf("TrySend after stop = %v, want ErrStopped", err)
		}
	}
}

func TestStopConcurrent(t *testing.T) {
	c, _ := startTestPeer(t, Config{})
	var stops int32
	c.OnStop(func() { atomic.AddInt32(&stops, 1) })
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()
	waitDone(t, c)
	if n := atomic.LoadInt32(&stops); n != 1 {
		t.Errorf("stop callback ran %d times, want 1", n)
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	got := make(chan *Message, 1)
	h := c.HandleCommand("NOTICE", func(_ *Client, msg *Message) bool {
		got <- msg
		return true
	})
	defer h.Remove()
	p.writeLine(":prefix-without-command")
	p.writeLine("")
	p.writeLine(":irc.test NOTICE alice :still alive")
	select {
	case msg := <-got:
		if msg.Trailing() != "still alive" {
			t.Errorf("trailing = %q", msg.Trailing())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("line after malformed input never dispatched")
	}
}

func TestWaitFor(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	go p.writeLine(":irc.test 001 alice :Welcome")
	msg, err := c.WaitFor(context.Background(), Match{Command: "001"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Trailing() != "Welcome" {
		t.Errorf("trailing = %q", msg.Trailing())
	}
}

func TestWaitForStop(t *testing.T) {
	c, _ := startTestPeer(t, Config{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Stop()
	}()
	if _, err := c.WaitFor(context.Background(), Match{Command: "NEVER"}); err != ErrStopped {
		t.Errorf("WaitFor = %v, want ErrStopped", err)
	}
}

func TestPingAutoReply(t *testing.T) {
	_, p := startTestPeer(t, Config{})
	p.writeLine("PING :xyz123")
	if msg := p.expect("PONG"); msg.Param(0) != "xyz123" {
		t.Errorf("PONG params = %q", msg.Params)
	}
}

func TestVersionAutoReply(t *testing.T) {
	_, p := startTestPeer(t, Config{Version: "girc-test 1.0"})
	p.writeLine(":bob!u@h PRIVMSG alice :\x01VERSION\x01")
	msg := p.expect("NOTICE")
	if msg.Param(0) != "bob" {
		t.Errorf("NOTICE target = %q", msg.Param(0))
	}
	_, exts := DecodeExtended(msg.Trailing())
	if len(exts) != 1 || exts[0] != (Extended{"VERSION", "girc-test 1.0"}) {
		t.Errorf("exts = %+v", exts)
	}
}

func TestTrySendQueueFull(t *testing.T) {
	c, err := NewClient(Config{Nick: "alice", SendQueueLen: 1, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	// No loops running: the queue only fills.
	if err := c.TrySend(NewMessage("PING", "1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.TrySend(NewMessage("PING", "2"), nil); err != ErrSendQueueFull {
		t.Errorf("TrySend = %v, want ErrSendQueueFull", err)
	}
	c.Stop()
}

func TestSendValidates(t *testing.T) {
	c, _ := startTestPeer(t, Config{})
	if err := c.Send(NewMessage("PRIVMSG", "bad target", "text"), nil); err == nil {
		t.Error("Send accepted a corrupt frame")
	}
}

func TestActionEncoding(t *testing.T) {
	c, p := startTestPeer(t, Config{})
	if err := c.Action("#chan", "waves"); err != nil {
		t.Fatal(err)
	}
	msg := p.expect("PRIVMSG")
	if !strings.Contains(msg.Trailing(), "\x01") {
		t.Fatalf("trailing %q lacks delimiter", msg.Trailing())
	}
	_, exts := DecodeExtended(msg.Trailing())
	if len(exts) != 1 || exts[0] != (Extended{"ACTION", "waves"}) {
		t.Errorf("exts = %+v", exts)
	}
}
