// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Nickname negotiation. While a change is in flight the server's view
// of who we are can lag or race our own, so the client keeps two slots:
// nick (confirmed, what the server currently recognizes) and newNick
// (pending, non-empty only mid-change). At most one change runs at a
// time, serialized by changeSem; newNick is cleared on every exit path.

const errNicknameInUse = "433"

const (
	syncTimeout = 10 * time.Second

	// A server rejecting every candidate must not spin us forever.
	// The budget resets on each SetNick, never mid-chain.
	maxNickAttempts = 16
)

// Nick returns the current nickname. It blocks while a change is in
// flight, because the value is genuinely ambiguous then. Handlers
// filtering inbound traffic by sender must use MatchesNick instead.
func (c *Client) Nick() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	for c.newNick != "" {
		c.nickCond.Wait()
	}
	return c.nick
}

// MatchesNick reports whether value names this client, comparing under
// the connection's casemapping against both the confirmed and the
// pending nick. Never blocks.
func (c *Client) MatchesNick(value string) bool {
	v := c.Fold(value)
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	if v == c.Fold(c.nick) {
		return true
	}
	return c.newNick != "" && v == c.Fold(c.newNick)
}

// SetNick changes the nickname, blocking until the server has processed
// the change (or the synchronization barrier times out). The confirmed
// nick afterwards may differ from newNick if the server overrode the
// change mid-flight. A send failure escalates to Quit and is returned,
// so identity is never left ambiguous.
func (c *Client) SetNick(newNick string) error {
	c.nickMu.Lock()
	c.nickAttempts = 0
	c.nickMu.Unlock()
	return c.changeNick(newNick)
}

func (c *Client) changeNick(newNick string) error {
	if err := c.acquireNickChange(); err != nil {
		return err
	}
	defer c.releaseNickChange()
	return c.changeNickLocked(newNick)
}

// acquireNickChange takes the change semaphore; only one nick change
// may be in flight per connection.
func (c *Client) acquireNickChange() error {
	select {
	case c.changeSem <- struct{}{}:
		return nil
	case <-c.stopping:
		return ErrStopped
	}
}

func (c *Client) releaseNickChange() {
	<-c.changeSem
}

// changeNickLocked runs one change attempt; the caller holds changeSem.
func (c *Client) changeNickLocked(newNick string) error {
	c.nickMu.Lock()
	c.newNick = newNick
	c.rejected = ""
	c.nickMu.Unlock()

	promote := false
	defer func() {
		c.nickMu.Lock()
		if promote {
			c.nick = c.newNick
		}
		c.newNick = ""
		c.nickCond.Broadcast()
		c.nickMu.Unlock()
	}()

	if err := c.Send(NewMessage("NICK", newNick), nil); err != nil {
		c.Quit("unrecoverable error while changing nick")
		return err
	}
	// The barrier tells us every command up to and including the NICK
	// has been processed; a collision arriving meanwhile rewrites
	// newNick back to the old value before we promote it.
	c.Sync()
	promote = true
	return nil
}

// Sync sends a uniquely tagged PING and waits for the echoing PONG.
// Servers process one client's commands in order, so the echo implies
// everything sent earlier has been handled. A timeout is logged but not
// treated as failure; no reply proves nothing.
func (c *Client) Sync() {
	token := strings.ToLower(uuid.NewString())
	got := make(chan struct{}, 1)
	h := c.Handle(Match{
		Command: "PONG",
		Params: func(params []string) bool {
			// Some servers move the payload to the second arg and
			// case-fold it, so check every param case-insensitively.
			for _, p := range params {
				if strings.ToLower(p) == token {
					return true
				}
			}
			return false
		},
	}, func(_ *Client, _ *Message) bool {
		select {
		case got <- struct{}{}:
		default:
		}
		return true
	})
	defer h.Remove()
	if err := c.Send(NewMessage("PING", token), nil); err != nil {
		return
	}
	select {
	case <-got:
	case <-c.stopping:
	case <-time.After(c.syncTimeout):
		c.logf("timed out waiting for matching pong in Sync()")
	}
}

func (c *Client) registerNickHandlers() {
	c.HandleCommand(errNicknameInUse, nickInUse)
	c.Handle(Match{Command: "NICK", Sender: c.MatchesNick}, nickChanged)
}

// rejectedNick extracts the offending name from a 433 reply
// (":server 433 <client> <nick> :Nickname is already in use").
func rejectedNick(msg *Message) string {
	if len(msg.Params) >= 2 {
		return msg.Params[1]
	}
	return msg.Param(0)
}

// nickInUse handles a nickname collision: if the rejection names the
// in-flight candidate the change is cancelled, then — once any running
// change has settled — the next candidate in the increment sequence is
// tried, up to maxNickAttempts.
func nickInUse(c *Client, msg *Message) bool {
	bad := rejectedNick(msg)
	if bad == "" {
		return false
	}
	badF := c.Fold(bad)

	c.nickMu.Lock()
	if c.newNick != "" {
		if badF != c.Fold(c.newNick) {
			c.nickMu.Unlock()
			return false
		}
		// Cancel the in-flight change; its barrier wakes up and
		// promotes the old nick back.
		c.newNick = c.nick
		c.rejected = bad
	} else {
		if badF != c.Fold(c.nick) {
			c.nickMu.Unlock()
			return false
		}
		c.rejected = bad
	}
	attempts := c.nickAttempts
	c.nickMu.Unlock()

	if attempts >= maxNickAttempts {
		c.logf("giving up on nickname %q after %d rejections", bad, attempts)
		return false
	}
	if err := c.acquireNickChange(); err != nil {
		return false
	}
	defer c.releaseNickChange()

	// Re-validate now that we have exclusive access: another change
	// may already have resolved or superseded this rejection.
	c.nickMu.Lock()
	if badF != c.Fold(c.nick) && badF != c.Fold(c.rejected) {
		c.nickMu.Unlock()
		return false
	}
	c.rejected = ""
	c.nickAttempts++
	c.nickMu.Unlock()

	next := nextNick(bad)
	c.logf("nickname %q in use, trying %q", bad, next)
	if err := c.changeNickLocked(next); err != nil {
		c.logf("retrying nickname change failed: %v", err)
	}
	return false
}

// nickChanged reconciles a NICK notification about ourselves into
// whichever slot it matches, so local bookkeeping tracks server reality
// regardless of how acknowledgments interleave with other traffic.
func nickChanged(c *Client, msg *Message) bool {
	newNick := msg.Param(0)
	if newNick == "" {
		return false
	}
	from := c.Fold(msg.Sender())
	c.nickMu.Lock()
	if c.newNick != "" && from == c.Fold(c.newNick) {
		// Sent after the server accepted our change; respect it.
		c.newNick = newNick
	} else if from == c.Fold(c.nick) {
		// Either no change is running, or this predates the server
		// processing our NICK; move the old value along so matching
		// keeps working.
		c.nick = newNick
	}
	c.nickMu.Unlock()
	return false
}

// nextNick derives the next candidate: bump a trailing number, or
// append "1". bob -> bob1 -> bob2 -> ...
func nextNick(nick string) string {
	i := len(nick)
	for i > 0 && nick[i-1] >= '0' && nick[i-1] <= '9' {
		i--
	}
	n := 0
	if i < len(nick) {
		n, _ = strconv.Atoi(nick[i:])
	}
	return nick[:i] + strconv.Itoa(n+1)
}
