// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

// CaseMapping is the server-declared rule for lowercasing nicks and
// channel names (the CASEMAPPING ISUPPORT token). The zero value is
// CaseMappingRFC1459, the protocol default.
type CaseMapping string

const (
	CaseMappingRFC1459       CaseMapping = "rfc1459"        // []\^ lowercase to {}|~
	CaseMappingStrictRFC1459 CaseMapping = "strict-rfc1459" // []\ lowercase to {}|
	CaseMappingASCII         CaseMapping = "ascii"
)

// Fold lowercases s under the mapping. Unknown mappings fold as
// rfc1459, like the zero value.
func (cm CaseMapping) Fold(s string) string {
	var upperEnd byte
	switch cm {
	case CaseMappingASCII:
		upperEnd = 'Z'
	case CaseMappingStrictRFC1459:
		upperEnd = ']'
	default:
		upperEnd = '^'
	}
	var buf []byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < 'A' || ch > upperEnd {
			continue
		}
		if buf == nil {
			buf = []byte(s)
		}
		buf[i] = ch + ('a' - 'A')
	}
	if buf == nil {
		return s
	}
	return string(buf)
}
