// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"strings"
	"unicode/utf8"
)

// Chosen as a minimum-ish maximum trailing param, leaving room for
// ":prefix PRIVMSG #dest :" within the 510-byte line limit.
const longParam = 350

// repairUTF8 makes an inbound parameter valid UTF-8. A long parameter
// ending in a broken sequence was probably truncated by the server and
// only loses the broken tail; anything else invalid is read as latin-1.
func repairUTF8(param string) string {
	s := param
	if len(s) >= longParam {
		end := 0
		for i := len(s) - 1; ; i-- {
			if i < 0 {
				end = 0 // no rune start found
				break
			}
			end++
			if utf8.RuneStart(s[i]) {
				break
			}
			if s[i]&0xC0 != 0x80 {
				end = 0 // not a utf8 continuation byte
				break
			}
		}
		if end > 0 && end < utf8.UTFMax && !utf8.ValidString(s[len(s)-end:]) {
			s = s[:len(s)-end]
		}
	}
	if utf8.ValidString(s) {
		return s
	}
	return latin1ToUTF8(param)
}

func latin1ToUTF8(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8 + 2)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 0x80 {
			b.WriteByte((ch >> 6) | 0xC0)
			b.WriteByte((ch & 0x3F) | 0x80)
		} else {
			b.WriteByte(ch)
		}
	}
	return b.String()
}
