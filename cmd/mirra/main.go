// Command mirra runs the daemon (C9): it accepts incoming connections
// for every configured share and runs one node session per configured
// sync, continuing to serve the rest when any one of them fails
// (spec.md §4.9).
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicolagi/mirra/config"
	"github.com/nicolagi/mirra/internal/conn"
	"github.com/nicolagi/mirra/internal/sign"
	"github.com/nicolagi/mirra/node"
	"github.com/nicolagi/mirra/root"
)

func main() {
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	configPath := flag.String("config", "mirra.conf", "Path to the configuration file")
	logLevel := flag.String("log-level", "info", "Logging level")
	flag.Parse()

	ll, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", *logLevel, err)
	}
	log.SetLevel(ll)
	log.SetFormatter(&log.JSONFormatter{})

	f, err := os.Open(*configPath)
	if err != nil {
		log.Fatalf("Could not open config file %q: %v", *configPath, err)
	}
	cfg, err := config.Load(f)
	_ = f.Close()
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *configPath, err)
	}

	signer, err := sign.Generate()
	if err != nil {
		log.Fatalf("Could not generate signing key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigc
		log.Info("received signal, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, signer); err != nil {
		log.Fatalf("mirra: %v", err)
	}
}

// run starts the listener (if this peer has any shares) and one node
// session per configured sync, and waits for all of them (spec.md
// §4.9). The errgroup.Group is the zero value, not one from
// errgroup.WithContext, so a member returning an error cancels none of
// the others. Failed root sessions and node sessions are logged inside
// serveListener and runSyncLoop and do not stop their task; an error
// from the listener itself is returned by run only once every task has
// ended.
func run(ctx context.Context, cfg *config.C, signer sign.Signer) error {
	var wg errgroup.Group

	if len(cfg.Shares) > 0 {
		wg.Go(func() error {
			return serveListener(ctx, cfg, signer)
		})
	}

	for name, sync := range cfg.Syncs {
		name, sync := name, sync
		wg.Go(func() error {
			return runSyncLoop(ctx, name, sync)
		})
	}

	return wg.Wait()
}

// serveListener accepts connections on cfg's configured port until ctx
// is done, spawning one root.Session per connection. A single
// connection's failure is logged and does not stop the listener.
func serveListener(ctx context.Context, cfg *config.C, signer sign.Signer) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s := root.New(cfg, signer)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			c := conn.New(nc, nc.RemoteAddr().String())
			if err := s.Serve(ctx, c); err != nil {
				log.WithError(err).Warn("root session ended with an error")
			}
		}()
	}
}

// runSyncLoop runs one node.Session for the named sync, restarting it
// whenever it returns (the remote root was unreachable, the module
// wasn't shared yet, the connection dropped) until ctx is done. Each
// restart is logged; it never aborts the daemon.
func runSyncLoop(ctx context.Context, name string, syn config.Sync) error {
	entry := log.WithField("sync", name)
	s := node.New(syn)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.Run(ctx); err != nil {
			entry.WithError(err).Warn("node session ended with an error, retrying")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}
