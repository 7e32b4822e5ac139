// Command fixgd is the thin wiring binary: load a GatewayConfig, start the
// store and gateway, dial any configured counterparties, and serve the
// introspection surface, wiring everything through signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gurre/fixgo/config"
	"github.com/gurre/fixgo/gateway"
	"github.com/gurre/fixgo/introspect"
	"github.com/gurre/fixgo/session"
	"github.com/gurre/fixgo/store"
)

// Version increments: Major (x.0.0) breaking changes, Minor (0.y.0) new
// features, Patch (0.0.z) bug fixes.
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "gateway.yaml", "Path to gateway config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fixgd: load config: %v", err)
	}

	if cfg.LogDirectory != "" {
		os.MkdirAll(cfg.LogDirectory, 0o755)
		logFile, err := os.OpenFile(cfg.LogDirectory+"/fixgd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(logFile)
		} else {
			log.Warnf("fixgd: open log file: %v, logging to stdout", err)
		}
	}

	log.Infof("Starting fixgd v%s", Version)
	log.Infof("  bind address: %s", cfg.BindAddress)
	log.Infof("  storage: %s", cfg.Storage.Kind)
	log.Infof("  http: %s", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("fixgd: shutting down...")
		cancel()
	}()

	st, err := newStore(cfg.Storage, cfg.Durability)
	if err != nil {
		log.Fatalf("fixgd: init store: %v", err)
	}
	defer st.Close()

	gw, err := gateway.New(*cfg, st, config.AcceptAll)
	if err != nil {
		log.Fatalf("fixgd: init gateway: %v", err)
	}

	// Registered before ListenAndAccept starts, so every accepted
	// connection's SessionActive (and everything after it) is seeded into
	// this subscriber's list before its task goroutine ever runs.
	gwEvents, unregisterGwClient := gw.RegisterClient()
	defer unregisterGwClient()
	go logGatewayEvents(gwEvents)

	if err := gw.Listen(); err != nil {
		log.Fatalf("fixgd: listen: %v", err)
	}
	go func() {
		if err := gw.ListenAndAccept(cfg.AcceptorCompID, cfg.AcceptorHeartbeatSecs); err != nil {
			log.Errorf("fixgd: accept loop: %v", err)
		}
	}()

	for _, counterparty := range cfg.Counterparties {
		cp := counterparty
		go dialCounterparty(ctx, gw, cp)
	}

	introSrv := introspect.New(cfg.HTTPAddr, gw)
	go func() {
		<-ctx.Done()
		introSrv.Shutdown()
	}()

	if err := introSrv.Run(); err != nil {
		log.Errorf("fixgd: introspection server: %v", err)
	}

	gw.Shutdown()
}

func newStore(backend config.StorageBackend, durability config.Durability) (*store.FileStore, error) {
	mode := store.DurabilityInterval
	switch durability.Mode {
	case "always":
		mode = store.DurabilityAlways
	case "disabled":
		mode = store.DurabilityDisabled
	}
	return store.NewFileStore(backend.BaseDir, store.Durability{Mode: mode, Interval: durability.Interval})
}

// dialCounterparty retries InitiateSession with backoff until ctx is
// cancelled, logging every event the resulting session emits. It never
// returns application messages to anything; operators use the
// introspection surface for that.
func dialCounterparty(ctx context.Context, gw *gateway.Gateway, cfg config.SessionConfig) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, events, err := gw.InitiateSession(cfg)
		if err != nil {
			log.Warnf("fixgd: dial %s:%d (%s->%s): %v, retrying in %s",
				cfg.Host, cfg.Port, cfg.SenderCompID, cfg.TargetCompID, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		log.Infof("fixgd: session %d dialed %s->%s at %s:%d", id, cfg.SenderCompID, cfg.TargetCompID, cfg.Host, cfg.Port)
		if !drainUntilDisconnect(ctx, id, events) {
			return
		}
	}
}

// logGatewayEvents logs every event from every session the gateway starts,
// accepted or dialed, multiplexed onto the single RegisterClient channel.
// It runs for the process lifetime; the channel closes only if unregistered.
func logGatewayEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventSessionActive:
			log.Infof("fixgd: session %d active", ev.SessionID)
		case session.EventInboundMessage:
			log.Debugf("fixgd: session %d received %s", ev.SessionID, ev.MsgTypeCode)
		case session.EventDisconnected:
			log.Infof("fixgd: session %d disconnected: %s", ev.SessionID, ev.Reason)
		}
	}
}

// drainUntilDisconnect logs every event for a dialed session until it
// disconnects, then returns true so the caller redials. Returns false if
// ctx was cancelled first, so the caller does not redial during shutdown.
func drainUntilDisconnect(ctx context.Context, id session.SessionID, events <-chan session.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			switch ev.Kind {
			case session.EventSessionActive:
				log.Infof("fixgd: session %d active", id)
			case session.EventInboundMessage:
				log.Debugf("fixgd: session %d received %s", id, ev.MsgTypeCode)
			case session.EventDisconnected:
				log.Infof("fixgd: session %d disconnected: %s", id, ev.Reason)
				return true
			}
		}
	}
}
