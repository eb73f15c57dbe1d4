// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"errors"
	"fmt"
	"strings"
)

// Message is a single IRC protocol line in structured form.
// Params holds the middle parameters in order; if the line carried a
// trailing parameter it is the last element of Params.
type Message struct {
	Prefix  string // origin, without the leading ':'; empty if none.
	Command string
	Params  []string
}

// NewMessage is shorthand for building an outgoing message.
func NewMessage(command string, params ...string) *Message {
	return &Message{Command: command, Params: params}
}

var ErrNoCommand = errors.New("no command given")

// ParseMessage decodes one wire line (line terminator optional).
// The command is uppercased. Runs of spaces between parameters collapse;
// the trailing parameter is preserved verbatim.
func ParseMessage(line string) (*Message, error) {
	line = strings.Trim(line, "\r\n")
	if strings.ContainsAny(line, "\r\n\x00") {
		return nil, fmt.Errorf("illegal control byte in line %q", line)
	}
	m := &Message{}
	rest := line
	if strings.HasPrefix(rest, ":") {
		i := strings.IndexByte(rest, ' ')
		if i == -1 {
			return nil, ErrNoCommand
		}
		m.Prefix = rest[1:i]
		rest = rest[i+1:]
	}
	for rest != "" {
		if rest[0] == ' ' {
			rest = rest[1:]
			continue
		}
		if m.Command != "" && rest[0] == ':' {
			// Everything after the marker is one trailing parameter.
			m.Params = append(m.Params, rest[1:])
			break
		}
		word := rest
		if i := strings.IndexByte(rest, ' '); i != -1 {
			word = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		if m.Command == "" {
			m.Command = strings.ToUpper(word)
		} else {
			m.Params = append(m.Params, word)
		}
	}
	if m.Command == "" {
		return nil, ErrNoCommand
	}
	return m, nil
}

// Encode serializes the message to a wire line ending in CRLF.
// It fails rather than emit a corrupt frame: no parameter may contain
// NUL/CR/LF, and only the final parameter may contain a space or be empty.
func (m *Message) Encode() (string, error) {
	if m.Command == "" || strings.ContainsAny(m.Command, " \r\n\x00") {
		return "", fmt.Errorf("invalid command %q", m.Command)
	}
	if strings.ContainsAny(m.Prefix, " \r\n\x00") {
		return "", fmt.Errorf("invalid prefix %q", m.Prefix)
	}
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, param := range m.Params {
		if strings.ContainsAny(param, "\r\n\x00") {
			return "", fmt.Errorf("invalid param %q", param)
		}
		last := i == len(m.Params)-1
		if !last && (param == "" || param[0] == ':' || strings.IndexByte(param, ' ') != -1) {
			return "", fmt.Errorf("invalid non-trailing param %q", param)
		}
		b.WriteByte(' ')
		if last && (param == "" || param[0] == ':' || strings.IndexByte(param, ' ') != -1) {
			b.WriteByte(':')
		}
		b.WriteString(param)
	}
	b.WriteString("\r\n")
	return b.String(), nil
}

// String renders the message without the line terminator, for logging.
func (m *Message) String() string {
	s, err := m.Encode()
	if err != nil {
		return fmt.Sprintf("<invalid message %q %q: %v>", m.Command, m.Params, err)
	}
	return strings.TrimSuffix(s, "\r\n")
}

// Trailing returns the last parameter, or "" if there are none.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Param returns parameter n, or "" if the message is too short.
func (m *Message) Param(n int) string {
	if n < 0 || n >= len(m.Params) {
		return ""
	}
	return m.Params[n]
}

// prefixParts splits the prefix on '!' and '@'.
// ":name" yields only sender; ":nick!user@host" yields all three.
func (m *Message) prefixParts() (sender, user, host string) {
	sender = m.Prefix
	if i := strings.IndexByte(sender, '@'); i != -1 {
		sender, host = sender[:i], sender[i+1:]
	}
	if i := strings.IndexByte(sender, '!'); i != -1 {
		sender, user = sender[:i], sender[i+1:]
	}
	return
}

// Sender returns the server name or nick the message came from.
func (m *Message) Sender() string {
	sender, _, _ := m.prefixParts()
	return sender
}

// User returns the user/ident portion of the prefix, if any.
func (m *Message) User() string {
	_, user, _ := m.prefixParts()
	return user
}

// Host returns the host portion of the prefix, if any.
func (m *Message) Host() string {
	_, _, host := m.prefixParts()
	return host
}

// Equal reports whether two messages are structurally identical.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Prefix != other.Prefix || m.Command != other.Command ||
		len(m.Params) != len(other.Params) {
		return false
	}
	for i := range m.Params {
		if m.Params[i] != other.Params[i] {
			return false
		}
	}
	return true
}
