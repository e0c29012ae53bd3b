// Command peerchat is the peer-to-peer chat overlay node: it registers
// with a rendezvous directory, dials and accepts sessions with discovered
// peers, and drops into an interactive shell for sending messages.
package main

import "github.com/peerchat/peerchat/cmd/peerchat/commands"

func main() {
	commands.Execute()
}
