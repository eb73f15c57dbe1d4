// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import "strings"

// CTCP is the extended-message sub-protocol embedded in the trailing
// parameter of PRIVMSG/NOTICE lines. Two quoting layers apply:
// transport quoting keeps NUL/CR/LF off the framing layer and covers the
// whole trailing parameter; tag quoting keeps the delimiter byte out of
// each individual extended-message body.

const (
	extDelim  = '\x01' // wraps each extended-message body
	tagEscape = '\\'
	lowEscape = '\x10'
)

// Extended is one tagged inline message, e.g. {"ACTION", "waves"}.
// Data is empty for bare queries like VERSION.
type Extended struct {
	Tag  string
	Data string
}

// NewExtended joins multi-argument data with spaces, as the wire form does.
func NewExtended(tag string, args ...string) Extended {
	return Extended{Tag: tag, Data: strings.Join(args, " ")}
}

func (x Extended) body() string {
	if x.Data == "" {
		return x.Tag
	}
	return x.Tag + " " + x.Data
}

func quote(s string, escape byte, table func(byte) (byte, bool)) string {
	var b *strings.Builder
	for i := 0; i < len(s); i++ {
		q, ok := table(s[i])
		if !ok && b == nil {
			continue
		}
		if b == nil {
			b = &strings.Builder{}
			b.Grow(len(s) + 4)
			b.WriteString(s[:i])
		}
		if ok {
			b.WriteByte(escape)
			b.WriteByte(q)
		} else {
			b.WriteByte(s[i])
		}
	}
	if b == nil {
		return s
	}
	return b.String()
}

// dequote reverses quote. An escape byte followed by an unmapped byte
// passes that byte through unescaped; an escape byte ending the input is
// dropped (the pair it opened never arrived).
func dequote(s string, escape byte, table func(byte) (byte, bool)) string {
	if strings.IndexByte(s, escape) == -1 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != escape {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i == len(s) {
			break
		}
		if raw, ok := table(s[i]); ok {
			b.WriteByte(raw)
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func lowQuoteByte(c byte) (byte, bool) {
	switch c {
	case '\x00':
		return '0', true
	case '\n':
		return 'n', true
	case '\r':
		return 'r', true
	case lowEscape:
		return lowEscape, true
	}
	return 0, false
}

func lowDequoteByte(c byte) (byte, bool) {
	switch c {
	case '0':
		return '\x00', true
	case 'n':
		return '\n', true
	case 'r':
		return '\r', true
	case lowEscape:
		return lowEscape, true
	}
	return 0, false
}

func tagQuoteByte(c byte) (byte, bool) {
	switch c {
	case extDelim:
		return 'a', true
	case tagEscape:
		return tagEscape, true
	}
	return 0, false
}

func tagDequoteByte(c byte) (byte, bool) {
	switch c {
	case 'a':
		return extDelim, true
	case tagEscape:
		return tagEscape, true
	}
	return 0, false
}

func lowQuote(s string) string { return quote(s, lowEscape, lowQuoteByte) }

func lowDequote(s string) string { return dequote(s, lowEscape, lowDequoteByte) }

func tagQuote(s string) string { return quote(s, tagEscape, tagQuoteByte) }

func tagDequote(s string) string { return dequote(s, tagEscape, tagDequoteByte) }

// EncodeExtended builds a trailing parameter carrying the plain tokens
// followed by each extended message wrapped in delimiter bytes, with
// transport quoting applied over the whole buffer.
func EncodeExtended(plain []string, exts []Extended) string {
	var b strings.Builder
	b.WriteString(strings.Join(plain, " "))
	for _, x := range exts {
		b.WriteByte(extDelim)
		b.WriteString(tagQuote(x.body()))
		b.WriteByte(extDelim)
	}
	return lowQuote(b.String())
}

// DecodeExtended splits a trailing parameter into its plain-text tokens
// and its extended messages. Relative ordering between the two kinds is
// not preserved, only the order within each sequence.
func DecodeExtended(trailing string) (plain []string, exts []Extended) {
	segs := strings.Split(lowDequote(trailing), string(extDelim))
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		if i%2 == 0 {
			for _, tok := range strings.Split(seg, " ") {
				if tok != "" {
					plain = append(plain, tok)
				}
			}
			continue
		}
		body := tagDequote(seg)
		x := Extended{Tag: body}
		if j := strings.IndexByte(body, ' '); j != -1 {
			x.Tag, x.Data = body[:j], body[j+1:]
		}
		exts = append(exts, x)
	}
	return
}
