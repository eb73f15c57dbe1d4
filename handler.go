// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"sync/atomic"
)

// HandlerFunc is a dispatch callback. Returning true unregisters the
// handler; each invocation runs in its own goroutine.
type HandlerFunc func(client *Client, msg *Message) bool

// Match is the predicate set a message must satisfy for a handler to
// fire. Zero fields match everything: an empty Command matches any
// command, a nil Sender or Params predicate always passes.
type Match struct {
	Command string                    // exact command token
	Sender  func(sender string) bool  // e.g. client.MatchesNick
	Params  func(params []string) bool
}

func (m Match) matches(msg *Message) bool {
	if m.Command != "" && m.Command != msg.Command {
		return false
	}
	if m.Sender != nil && !m.Sender(msg.Sender()) {
		return false
	}
	if m.Params != nil && !m.Params(msg.Params) {
		return false
	}
	return true
}

// Handler is a registered callback; Remove unregisters it.
type Handler struct {
	match   Match
	fn      HandlerFunc
	client  *Client
	removed int32 // atomic
}

// Remove unregisters the handler. Safe to call repeatedly and from any
// goroutine, including from inside a dispatch pass.
func (h *Handler) Remove() {
	if !atomic.CompareAndSwapInt32(&h.removed, 0, 1) {
		return
	}
	c := h.client
	c.handlersMu.Lock()
	delete(c.handlers, h)
	c.handlersMu.Unlock()
}

func (h *Handler) live() bool {
	return atomic.LoadInt32(&h.removed) == 0
}

// Handle registers fn to run for every message satisfying match.
// Registration is safe from any goroutine, including from a handler
// callback while a dispatch pass is running.
func (c *Client) Handle(match Match, fn HandlerFunc) *Handler {
	h := &Handler{match: match, fn: fn, client: c}
	c.handlersMu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[*Handler]struct{})
	}
	c.handlers[h] = struct{}{}
	c.handlersMu.Unlock()
	return h
}

// HandleCommand registers fn for an exact command token.
func (c *Client) HandleCommand(command string, fn HandlerFunc) *Handler {
	return c.Handle(Match{Command: command}, fn)
}

// dispatch invokes every matching handler from a snapshot of the
// registry, so mutation during the pass does not affect which handlers
// this pass considers. Callbacks run concurrently with later dispatches.
func (c *Client) dispatch(msg *Message) {
	c.handlersMu.RLock()
	snapshot := make([]*Handler, 0, len(c.handlers))
	for h := range c.handlers {
		snapshot = append(snapshot, h)
	}
	c.handlersMu.RUnlock()
	for _, h := range snapshot {
		if h.match.matches(msg) {
			go c.runHandler(h, msg)
		}
	}
}

// runHandler isolates a single callback: a panic is logged and must not
// suppress delivery to the other handlers of the pass.
func (c *Client) runHandler(h *Handler, msg *Message) {
	if !h.live() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logf("handler panic on %s: %v", msg.Command, r)
		}
	}()
	if h.fn(c, msg) {
		h.Remove()
	}
}

// removeAllHandlers empties the registry; used during shutdown.
func (c *Client) removeAllHandlers() {
	c.handlersMu.Lock()
	handlers := c.handlers
	c.handlers = nil
	c.handlersMu.Unlock()
	for h := range handlers {
		atomic.StoreInt32(&h.removed, 1)
	}
}
