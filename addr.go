// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package girc

import (
	"errors"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultPort    = "6667"
	defaultTLSPort = "6697"
)

// ParseAddr accepts the usual IRC address spellings:
//
//	host              default port
//	host:port         explicit port
//	host:+port        TLS on port
//	host:+            TLS on the default TLS port
//	irc://host[:port]
//	ircs://host[:port]  TLS, default TLS port
func ParseAddr(s string) (host, port string, wantTLS bool, err error) {
	var scheme string
	if strings.IndexByte(s, '/') == -1 {
		host = s
		if i := strings.LastIndexByte(s, ':'); i > strings.LastIndexByte(s, ']') {
			host, port = s[:i], s[i+1:]
		}
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
	} else {
		u, uerr := url.Parse(s)
		if uerr != nil {
			return "", "", false, uerr
		}
		scheme, host, port = u.Scheme, u.Hostname(), u.Port()
	}
	if host == "" {
		return "", "", false, errors.New("hostname expected")
	}
	switch scheme {
	case "", "irc":
		if strings.HasPrefix(port, "+") {
			wantTLS = true
			port = port[1:]
			if port == "" {
				port = defaultTLSPort
			}
		} else if port == "" {
			port = defaultPort
		} else {
			// RFC 7194: deployed TLS ports.
			wantTLS = port == defaultTLSPort || port == "7070"
		}
	case "ircs":
		wantTLS = true
		if port == "" {
			port = defaultTLSPort
		}
	default:
		return "", "", false, errors.New("unexpected scheme " + scheme)
	}
	return host, port, wantTLS, nil
}

// networkID names the network a server belongs to: the registrable
// domain of the hostname, falling back to the hostname itself for
// addresses the public suffix list cannot place.
func networkID(host string) string {
	id, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return id
}
