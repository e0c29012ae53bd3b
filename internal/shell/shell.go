// Package shell implements the interactive REPL described in spec §6.3: a
// bufio.Scanner reading "/"-prefixed commands from stdin, dispatched
// against the router and orchestrator, with asynchronously delivered
// messages printed as they arrive: a banner, a scanner loop, and a
// command table, not a full line-editing library.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/orchestrator"
	"github.com/peerchat/peerchat/internal/peertable"
	"github.com/peerchat/peerchat/internal/router"
)

// Exit codes returned by Run, per spec §6.3.
const (
	ExitOK           = 0
	ExitUsageError   = 2
	ExitInternalFail = 3
)

var commands = []struct {
	name string
	desc string
}{
	{"/peers [*|#ns]", "List known peers, optionally filtered by namespace"},
	{"/msg <name@ns> <text>", "Send a unicast message"},
	{"/pub <#ns> <text>", "Broadcast a message to a namespace"},
	{"/conn <name@ns>", "Show a peer's session state"},
	{"/rtt <name@ns>", "Show a peer's smoothed RTT"},
	{"/reconnect <name@ns>", "Clear a peer's retry delay; the next reconcile pass dials it"},
	{"/log <level>", "Change the log level (debug|info|warn|error)"},
	{"/help", "Show this help message"},
	{"/quit", "Leave the shell"},
}

// Shell is the interactive command loop.
type Shell struct {
	self  identity.ID
	orch  *orchestrator.Orchestrator
	rtr   *router.Router
	out   io.Writer
	log   *logging.Logger
}

// New constructs a Shell bound to the given orchestrator/router, writing
// output to out.
func New(self identity.ID, orch *orchestrator.Orchestrator, rtr *router.Router, out io.Writer) *Shell {
	return &Shell{self: self, orch: orch, rtr: rtr, out: out, log: logging.New("shell")}
}

// Run reads commands from in until EOF, "/quit", or a fatal read error.
// Returns an exit code per spec §6.3.
func (sh *Shell) Run(in io.Reader) int {
	fmt.Fprintf(sh.out, "peerchat shell — %s. Type /help for commands, /quit to leave.\n", sh.self)
	scanner := bufio.NewScanner(in)
	fmt.Fprint(sh.out, "> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return ExitOK
		case line == "/help" || line == "/?":
			sh.printHelp()
		default:
			if err := sh.dispatch(line); err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
			}
		}
		fmt.Fprint(sh.out, "> ")
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(sh.out, "read error: %v\n", err)
		return ExitInternalFail
	}
	return ExitOK
}

// Deliver renders an asynchronously received message, per spec §6.3's
// "[<src>] <text>" format. Safe to call concurrently with Run.
func (sh *Shell) Deliver(src, text string) {
	fmt.Fprintf(sh.out, "\n[%s] %s\n> ", src, text)
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.out, "Available commands:")
	for _, c := range commands {
		fmt.Fprintf(sh.out, "  %-28s %s\n", c.name, c.desc)
	}
}

func (sh *Shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/peers":
		return sh.cmdPeers(args)
	case "/msg":
		return sh.cmdMsg(args)
	case "/pub":
		return sh.cmdPub(args)
	case "/conn":
		return sh.cmdConn(args)
	case "/rtt":
		return sh.cmdRTT(args)
	case "/reconnect":
		return sh.cmdReconnect(args)
	case "/log":
		return sh.cmdLog(args)
	default:
		return fmt.Errorf("unknown command %q, try /help", cmd)
	}
}

func (sh *Shell) cmdPeers(args []string) error {
	filter := ""
	if len(args) > 0 {
		filter = args[0]
	}
	for _, d := range sh.orch.PeerTable().Snapshot() {
		if filter != "" && filter != "*" {
			if isNS := strings.HasPrefix(filter, "#"); isNS {
				if d.Identity.Namespace != filter[1:] {
					continue
				}
			} else if d.Identity.String() != filter {
				continue
			}
		}
		fmt.Fprintf(sh.out, "%-24s %-12s rtt=%-10s attempts=%d\n", d.Identity, d.Status, d.RTT, d.ReconnectAttempts)
	}
	return nil
}

func (sh *Shell) cmdMsg(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /msg <name@ns> <text>")
	}
	dst := args[0]
	text := strings.Join(args[1:], " ")
	msgID, err := sh.rtr.Originate(dst, text, func(delivered bool) {
		if delivered {
			sh.Deliver("system", fmt.Sprintf("delivered to %s", dst))
		} else {
			sh.Deliver("system", fmt.Sprintf("ack timeout for %s", dst))
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "sent %s to %s\n", msgID, dst)
	return nil
}

func (sh *Shell) cmdPub(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: /pub <#ns> <text>")
	}
	if !strings.HasPrefix(args[0], "#") {
		return fmt.Errorf("namespace destination must start with '#', got %q", args[0])
	}
	ns := args[0][1:]
	text := strings.Join(args[1:], " ")
	msgID, err := sh.rtr.Publish(ns, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "published %s to #%s\n", msgID, ns)
	return nil
}

func (sh *Shell) cmdConn(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /conn <name@ns>")
	}
	id, err := identity.Parse(args[0])
	if err != nil {
		return err
	}
	d, ok := sh.orch.PeerTable().Lookup(id)
	if !ok {
		return fmt.Errorf("unknown peer %s", id)
	}
	fmt.Fprintf(sh.out, "%s: %s (last_seen=%s)\n", id, d.Status, d.LastSeen.Format(time.RFC3339))
	return nil
}

func (sh *Shell) cmdRTT(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /rtt <name@ns>")
	}
	id, err := identity.Parse(args[0])
	if err != nil {
		return err
	}
	d, ok := sh.orch.PeerTable().Lookup(id)
	if !ok || d.Status != peertable.StatusConnected {
		return fmt.Errorf("%s is not connected", id)
	}
	fmt.Fprintf(sh.out, "%s rtt=%s\n", id, d.RTT)
	return nil
}

func (sh *Shell) cmdReconnect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /reconnect <name@ns>")
	}
	id, err := identity.Parse(args[0])
	if err != nil {
		return err
	}
	sh.orch.PeerTable().ScheduleRetry(id, time.Now(), 0)
	fmt.Fprintf(sh.out, "reconnect requested for %s\n", id)
	return nil
}

func (sh *Shell) cmdLog(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /log <debug|info|warn|error>")
	}
	lvl, ok := logging.ParseLevel(args[0])
	if !ok {
		return fmt.Errorf("unknown log level %q", args[0])
	}
	logging.SetLevel(lvl)
	fmt.Fprintf(sh.out, "log level set to %s\n", lvl)
	return nil
}
