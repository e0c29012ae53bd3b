package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerchat/peerchat/internal/config"
	"github.com/peerchat/peerchat/internal/directory"
	"github.com/peerchat/peerchat/internal/identity"
	"github.com/peerchat/peerchat/internal/introspect"
	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/orchestrator"
	"github.com/peerchat/peerchat/internal/peertable"
	"github.com/peerchat/peerchat/internal/router"
	"github.com/peerchat/peerchat/internal/shell"
)

// shutdownBudget bounds graceful shutdown (BYE to every session, directory
// unregister, introspection server close) per spec SPEC_FULL §5.
const shutdownBudget = 5 * time.Second

var runFlags struct {
	configPath       string
	name             string
	namespace        string
	listenAddr       string
	rendezvousHost   string
	rendezvousPort   int
	logLevel         string
	introspectAddr   string
	introspectEnable bool
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the directory and join the overlay",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}

	f := cmd.Flags()
	f.StringVar(&runFlags.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&runFlags.name, "name", "", "this node's identity name")
	f.StringVar(&runFlags.namespace, "namespace", "", "this node's identity namespace")
	f.StringVar(&runFlags.listenAddr, "listen", "", "address to accept peer sessions on (host:port)")
	f.StringVar(&runFlags.rendezvousHost, "rendezvous-host", "", "rendezvous directory host")
	f.IntVar(&runFlags.rendezvousPort, "rendezvous-port", 0, "rendezvous directory port")
	f.StringVar(&runFlags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&runFlags.introspectAddr, "introspect-addr", "", "address for the read-only introspection HTTP/WS surface")
	f.BoolVar(&runFlags.introspectEnable, "introspect", false, "enable the read-only introspection HTTP/WS surface")

	return cmd
}

// flagOverrides collects only the flags the user actually set, at the
// dotted koanf keys config.Load expects, so unset flags never shadow the
// config file or environment layers beneath them.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(name, key string, val any) {
		if cmd.Flags().Changed(name) {
			out[key] = val
		}
	}
	set("name", "identity.name", runFlags.name)
	set("namespace", "identity.namespace", runFlags.namespace)
	set("listen", "identity.listen_addr", runFlags.listenAddr)
	set("rendezvous-host", "rendezvous.host", runFlags.rendezvousHost)
	set("rendezvous-port", "rendezvous.port", runFlags.rendezvousPort)
	set("log-level", "log.level", runFlags.logLevel)
	set("introspect-addr", "introspect.addr", runFlags.introspectAddr)
	set("introspect", "introspect.enabled", runFlags.introspectEnable)
	return out
}

func runRun(cmd *cobra.Command, _ []string) error {
	configPath := runFlags.configPath
	if configPath == "" {
		configPath = os.Getenv("PEERCHAT_CONFIG")
	}
	cfg, err := config.Load(configPath, flagOverrides(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, ok := logging.ParseLevel(cfg.Log.Level)
	if !ok {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	logging.SetLevel(level)
	log := logging.New("main")

	self, err := identity.New(cfg.Identity.Name, cfg.Identity.Namespace)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(rf config.ReloadableFields) {
			if lvl, ok := logging.ParseLevel(rf.LogLevel); ok {
				logging.SetLevel(lvl)
			}
		})
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	dir := directory.New(fmt.Sprintf("%s:%d", cfg.Rendezvous.Host, cfg.Rendezvous.Port))
	table := peertable.New()

	var coll *introspect.Collector
	var hub *introspect.Hub
	if cfg.Introspect.Enabled {
		coll = introspect.NewCollector(nil)
		hub = introspect.NewHub()
	}

	// Orchestrator and router have a circular dependency: the router needs
	// a SessionSender to deliver frames, and the orchestrator implements
	// that interface, but the orchestrator also needs the router to hand
	// inbound application frames to. Construct the orchestrator first,
	// pass it to the router as the SessionSender, then attach the router
	// back onto the orchestrator before Run starts either.
	orch := orchestrator.New(orchestrator.Config{
		Self:                 self,
		ListenAddr:           cfg.Identity.ListenAddr,
		DiscoveryInterval:    cfg.Rendezvous.Discovery,
		MaxOutboundDials:     cfg.Session.MaxOutboundDials,
		ReconnectBackoffBase: cfg.Session.ReconnectBackoffBase,
		MaxReconnectBackoff:  cfg.Session.MaxReconnectBackoff,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		MaxSessions:          cfg.Session.MaxSessions,
		PingInterval:         cfg.Session.PingInterval,
	}, dir, table, func(kind string, peer identity.ID, detail string) {
		if hub != nil {
			hub.Broadcast(introspect.NewPeerEvent(kind, peer.String(), detail))
		}
	})

	rtr := router.New(self, orch, router.Config{
		SeenCapacity:    cfg.Router.SeenCapacity,
		SeenRetention:   cfg.Router.SeenRetention,
		RouteTTL:        cfg.Router.RouteTTL,
		AckDeadline:     cfg.Router.AckDeadline,
		DiscoverTimeout: cfg.Router.DiscoverTimeout,
		RelayTTL:        cfg.Router.RelayTTL,
	}, func(ev router.DeliveryEvent) {
		if coll != nil {
			coll.Observe(ev.Outcome)
		}
		if hub != nil {
			hub.Broadcast(introspect.Event{
				Kind:   ev.Outcome,
				MsgID:  ev.MsgID,
				Src:    ev.Src,
				Dst:    ev.Dst,
				At:     time.Now(),
			})
		}
	})
	orch.AttachRouter(rtr)

	result, err := dir.Register(cfg.Identity.Namespace, cfg.Identity.Name, listenPort(cfg.Identity.ListenAddr), cfg.Rendezvous.TTL)
	if err != nil {
		return fmt.Errorf("register with directory: %w", err)
	}
	log.Infof("registered as %s (observed %s:%d, ttl %ds)", self, result.ObservedIP, result.ObservedPort, result.TTLGranted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchErrCh := make(chan error, 1)
	go func() { orchErrCh <- orch.Run(ctx) }()

	var introServer *introspect.Server
	if cfg.Introspect.Enabled {
		introServer = introspect.NewServer(cfg.Introspect.Addr, orch, hub, coll)
		go func() {
			if err := introServer.Start(); err != nil {
				log.Warnf("introspection server stopped: %v", err)
			}
		}()
		log.Infof("introspection surface enabled on %s", cfg.Introspect.Addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shellExit := make(chan int, 1)
	go func() { shellExit <- shell.New(self, orch, rtr, os.Stdout).Run(os.Stdin) }()

	var exitCode int
	select {
	case <-sigChan:
		log.Infof("shutdown signal received")
	case exitCode = <-shellExit:
		log.Infof("shell exited")
	case err := <-orchErrCh:
		if err != nil {
			log.Warnf("orchestrator stopped: %v", err)
		}
	}

	cancel()
	orch.Shutdown("shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	if introServer != nil {
		if err := introServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("introspection server shutdown: %v", err)
		}
	}
	if err := dir.Unregister(cfg.Identity.Namespace, cfg.Identity.Name, listenPort(cfg.Identity.ListenAddr)); err != nil {
		log.Warnf("directory unregister: %v", err)
	}

	log.Infof("peerchat stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// listenPort extracts the numeric port from a "host:port" listen address
// for directory registration. cfg.Identity.ListenAddr may request an
// ephemeral port (":0", the default); REGISTER is sent before the
// orchestrator binds its listener, so in that case the directory is sent
// port 0 rather than the port actually bound.
func listenPort(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return port
}
