// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package girc is a single-connection IRC client engine: wire framing,
// the CTCP extended-message sub-protocol, predicate-dispatched message
// handling, and nickname negotiation over one persistent connection.
package girc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Client. Addr and Nick are required for Start;
// StartConn needs only Nick.
type Config struct {
	Addr     string // see ParseAddr for accepted forms
	Nick     string
	User     string // ident; defaults to Nick
	RealName string // defaults to User
	Pass     string // server password, sent before registration

	// Version is the CTCP VERSION reply; empty disables the responder.
	Version string

	TLSConfig   *tls.Config
	CaseMapping CaseMapping

	// SendLimit paces the send loop; nil means unlimited.
	SendLimit *rate.Limiter

	SendQueueLen int // default 32

	Logger  *log.Logger // default log.Default()
	Verbose bool        // log wire traffic
}

var (
	ErrStopped       = errors.New("client stopped")
	ErrSendQueueFull = errors.New("send queue full")
)

type sendReq struct {
	msg  *Message
	sent func() // runs asynchronously after a successful write
}

// Client is one IRC connection: a receive loop, a send loop, the
// handler registry and the identity state. It exclusively owns all of
// them; handlers get the client back as a callback argument only.
type Client struct {
	cfg    Config
	lim    *rate.Limiter
	logger *log.Logger
	netID  string

	sendq chan sendReq

	handlersMu sync.RWMutex
	handlers   map[*Handler]struct{}

	started  int32 // atomic
	stopOnce sync.Once
	stopping chan struct{} // closed as shutdown begins
	done     chan struct{} // closed once shutdown finished
	stopMu   sync.Mutex
	stopFns  []func()

	connMu sync.Mutex
	conn   net.Conn

	// Identity state; see nick.go.
	syncTimeout  time.Duration
	nickMu       sync.Mutex
	nickCond     *sync.Cond
	nick         string // what the server currently recognizes
	newNick      string // non-empty only while a change is in flight
	rejected     string // last collision-cancelled candidate
	nickAttempts int
	changeSem    chan struct{}

	caseMu sync.RWMutex
	fold   func(string) string
}

// NewClient prepares a client; no I/O happens until Start or StartConn.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Nick == "" {
		return nil, errors.New("nickname expected")
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.User
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	c := &Client{
		cfg:         cfg,
		lim:         cfg.SendLimit,
		logger:      cfg.Logger,
		sendq:       make(chan sendReq, cfg.SendQueueLen),
		handlers:    make(map[*Handler]struct{}),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		nick:        cfg.Nick,
		syncTimeout: syncTimeout,
		changeSem:   make(chan struct{}, 1),
		fold:        cfg.CaseMapping.Fold,
	}
	c.nickCond = sync.NewCond(&c.nickMu)
	if c.lim == nil {
		c.lim = rate.NewLimiter(rate.Inf, 0)
	}
	if cfg.Addr != "" {
		host, _, _, err := ParseAddr(cfg.Addr)
		if err != nil {
			return nil, err
		}
		c.netID = networkID(host)
	}

	c.HandleCommand("PING", pong)
	if cfg.Version != "" {
		c.HandleCommand("PRIVMSG", versionReply)
	}
	c.registerNickHandlers()
	return c, nil
}

func pong(c *Client, msg *Message) bool {
	c.Send(NewMessage("PONG", msg.Params...), nil)
	return false
}

func versionReply(c *Client, msg *Message) bool {
	from := msg.Sender()
	if from == "" || len(msg.Params) < 2 {
		return false
	}
	_, exts := DecodeExtended(msg.Trailing())
	for _, x := range exts {
		if x.Tag == "VERSION" && x.Data == "" {
			c.CTCPReply(from, "VERSION", c.cfg.Version)
			break
		}
	}
	return false
}

// NetworkID identifies the network this client talks to, derived from
// the configured address. Empty when constructed for StartConn.
func (c *Client) NetworkID() string {
	return c.netID
}

func (c *Client) logf(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}

// Start dials cfg.Addr (TLS for ircs addresses) and runs the client.
func (c *Client) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return errors.New("already started")
	}
	host, port, wantTLS, err := ParseAddr(c.cfg.Addr)
	if err != nil {
		return err
	}
	endpoint := net.JoinHostPort(host, port)
	dialer := &net.Dialer{Timeout: time.Minute}
	var conn net.Conn
	if wantTLS {
		tlsConfig := c.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", endpoint, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", endpoint)
	}
	if err != nil {
		c.Stop()
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	c.run(conn, host)
	return nil
}

// StartConn runs the client over an established connection.
func (c *Client) StartConn(conn net.Conn) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return errors.New("already started")
	}
	c.run(conn, "*")
	return nil
}

func (c *Client) run(conn net.Conn, serverName string) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	go c.recvLoop(conn)
	go c.sendLoop(conn)
	if c.cfg.Pass != "" {
		c.Send(NewMessage("PASS", c.cfg.Pass), nil)
	}
	c.Send(NewMessage("NICK", c.cfg.Nick), nil)
	c.Send(NewMessage("USER", c.cfg.User, "0", serverName, c.cfg.RealName), nil)
}

// Send queues msg for the send loop, blocking while the queue is full.
// The message is validated now so a malformed one fails here instead of
// poisoning the wire later. sent, if non-nil, runs asynchronously after
// the write completes.
func (c *Client) Send(msg *Message, sent func()) error {
	if _, err := msg.Encode(); err != nil {
		return err
	}
	// Once shutdown begins nothing drains the queue, so an enqueue
	// there would silently swallow the message; the select alone is not
	// enough because a ready queue and a closed stopping channel race.
	if c.Stopped() {
		return ErrStopped
	}
	select {
	case c.sendq <- sendReq{msg, sent}:
		return nil
	case <-c.stopping:
		return ErrStopped
	}
}

// TrySend is Send without blocking: ErrSendQueueFull when the queue is full.
func (c *Client) TrySend(msg *Message, sent func()) error {
	if _, err := msg.Encode(); err != nil {
		return err
	}
	if c.Stopped() {
		return ErrStopped
	}
	select {
	case c.sendq <- sendReq{msg, sent}:
		return nil
	case <-c.stopping:
		return ErrStopped
	default:
		return ErrSendQueueFull
	}
}

// recvLoop turns the socket byte stream back into lines, decodes them
// and dispatches. A line that fails to decode is logged and dropped;
// the loop itself only exits when the stream does.
func (c *Client) recvLoop(conn net.Conn) {
	defer c.Stop()
	reader := bufio.NewReaderSize(conn, 1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if frag := strings.TrimSpace(line); frag != "" {
				c.logf("recv stream cut off mid-line, unused data: %q", frag)
			}
			if err != io.EOF && !closedConnError(err) {
				c.logf("read error: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if c.cfg.Verbose {
			c.logf("<- %s", line)
		}
		msg, err := ParseMessage(line)
		if err != nil {
			c.logf("could not decode line %q: %v", line, err)
			continue
		}
		// Decoding each parameter separately; servers are sloppy
		// about text encodings but never about framing bytes.
		for i := range msg.Params {
			msg.Params[i] = repairUTF8(msg.Params[i])
		}
		c.dispatch(msg)
	}
}

// sendLoop writes queued messages strictly in FIFO order, one complete
// write at a time. A closed-pipe write is a graceful exit; anything
// else is fatal to the connection. Sending QUIT ends the loop after
// that write goes out.
func (c *Client) sendLoop(conn net.Conn) {
	defer c.Stop()
	ctx := c.stopCtx()
	for {
		select {
		case <-c.stopping:
			return
		case req := <-c.sendq:
			line, err := req.msg.Encode()
			if err != nil {
				c.logf("dropping unencodable message: %v", err)
				continue
			}
			if c.lim.Wait(ctx) != nil {
				return
			}
			if c.cfg.Verbose {
				c.logf("-> %s", strings.TrimSuffix(line, "\r\n"))
			}
			if _, err := io.WriteString(conn, line); err != nil {
				if closedConnError(err) {
					c.logf("connection closed (send loop)")
				} else {
					c.logf("write error: %v", err)
				}
				return
			}
			if req.sent != nil {
				go req.sent()
			}
			if req.msg.Command == "QUIT" {
				c.logf("QUIT sent, client shutting down")
				return
			}
		}
	}
}

func closedConnError(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Stop shuts the connection down: stops both loops, runs every stop
// callback exactly once and empties the handler registry. Idempotent;
// concurrent calls beyond the first are no-ops.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.stopMu.Lock()
		fns := c.stopFns
		c.stopFns = nil
		c.stopMu.Unlock()
		for _, fn := range fns {
			fn()
		}
		// Handlers hold the client back-reference; dropping them here
		// lets collaborators outlive the connection cleanly.
		c.removeAllHandlers()
		close(c.done)
	})
}

// Stopped reports whether shutdown has begun.
func (c *Client) Stopped() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}

// Done is closed when shutdown has completed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the client has stopped.
func (c *Client) Wait() {
	<-c.done
}

// OnStop registers fn to run once during shutdown. If the client has
// already stopped, fn runs immediately.
func (c *Client) OnStop(fn func()) {
	c.stopMu.Lock()
	if !c.Stopped() {
		c.stopFns = append(c.stopFns, fn)
		c.stopMu.Unlock()
		return
	}
	c.stopMu.Unlock()
	fn()
}

// WaitFor blocks until one message matching match arrives and returns
// it. It returns early if ctx ends or the client stops.
func (c *Client) WaitFor(ctx context.Context, match Match) (*Message, error) {
	ch := make(chan *Message, 1)
	var once sync.Once
	h := c.Handle(match, func(_ *Client, msg *Message) bool {
		once.Do(func() { ch <- msg })
		return true
	})
	defer h.Remove()
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopping:
		return nil, ErrStopped
	}
}

// stopCtx adapts the stopping channel to a context for rate.Limiter.
func (c *Client) stopCtx() context.Context {
	return &doneCtx{context.Background(), c.stopping}
}

type doneCtx struct {
	context.Context
	doneCh <-chan struct{}
}

func (ctx *doneCtx) Done() <-chan struct{} {
	return ctx.doneCh
}

func (ctx *doneCtx) Err() error {
	select {
	case <-ctx.doneCh:
		return ErrStopped
	default:
		return nil
	}
}

// SetCaseMapping switches the casemapping used for nick comparisons.
// Meant for a capability-tracking collaborator reacting to RPL_ISUPPORT.
func (c *Client) SetCaseMapping(cm CaseMapping) {
	c.caseMu.Lock()
	c.fold = cm.Fold
	c.caseMu.Unlock()
}

// Fold lowercases s per the connection's current casemapping.
func (c *Client) Fold(s string) string {
	c.caseMu.RLock()
	fold := c.fold
	c.caseMu.RUnlock()
	return fold(s)
}

// Privmsg sends a text message to a nick or channel.
func (c *Client) Privmsg(to, text string) error {
	return c.Send(NewMessage("PRIVMSG", to, text), nil)
}

// Notice sends a notice to a nick or channel.
func (c *Client) Notice(to, text string) error {
	return c.Send(NewMessage("NOTICE", to, text), nil)
}

// Action sends a CTCP ACTION ("/me") message.
func (c *Client) Action(to, text string) error {
	trailing := EncodeExtended(nil, []Extended{NewExtended("ACTION", text)})
	return c.Send(NewMessage("PRIVMSG", to, trailing), nil)
}

// CTCP sends an extended-message query over PRIVMSG.
func (c *Client) CTCP(to, tag string, args ...string) error {
	trailing := EncodeExtended(nil, []Extended{NewExtended(tag, args...)})
	return c.Send(NewMessage("PRIVMSG", to, trailing), nil)
}

// CTCPReply answers an extended-message query over NOTICE.
func (c *Client) CTCPReply(to, tag string, args ...string) error {
	trailing := EncodeExtended(nil, []Extended{NewExtended(tag, args...)})
	return c.Send(NewMessage("NOTICE", to, trailing), nil)
}

// Quit sends QUIT; the send loop exits after writing it and shutdown
// follows. If the message cannot be queued the client stops anyway.
func (c *Client) Quit(reason string) {
	msg := NewMessage("QUIT")
	if reason != "" {
		msg.Params = []string{reason}
	}
	if c.TrySend(msg, nil) != nil {
		c.Stop()
	}
}
