// Copyright (C) 2020 Christopher E. Miller
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// girc-echo joins a channel and echoes what it hears: a trivial
// exerciser for the girc engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stdchat/girc"
	"golang.org/x/time/rate"
)

func main() {
	addr := flag.String("addr", "", "server address (host, host:port, irc:// or ircs://)")
	nick := flag.String("nick", "girc-echo", "nickname")
	channel := flag.String("channel", "", "channel to join")
	verbose := flag.Bool("v", false, "log wire traffic")
	flag.Parse()
	if *addr == "" || *channel == "" {
		flag.Usage()
		os.Exit(2)
	}

	client, err := girc.NewClient(girc.Config{
		Addr:      *addr,
		Nick:      *nick,
		Version:   "girc-echo",
		SendLimit: rate.NewLimiter(0.5, 4),
		Verbose:   *verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Join once registration completes.
	client.HandleCommand("001", func(c *girc.Client, _ *girc.Message) bool {
		c.Send(girc.NewMessage("JOIN", *channel), nil)
		return true
	})

	client.Handle(girc.Match{
		Command: "PRIVMSG",
		Params: func(params []string) bool {
			return len(params) == 2 && params[0] == *channel
		},
	}, func(c *girc.Client, msg *girc.Message) bool {
		if c.MatchesNick(msg.Sender()) {
			return false // never echo ourselves
		}
		plain, exts := girc.DecodeExtended(msg.Trailing())
		for _, x := range exts {
			if x.Tag == "ACTION" {
				c.Action(*channel, x.Data)
			}
		}
		if len(plain) > 0 {
			c.Privmsg(*channel, strings.Join(plain, " "))
		}
		return false
	})

	if err := client.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	client.Wait()
}
