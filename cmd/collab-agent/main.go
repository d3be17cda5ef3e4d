// collab-agent is one participant of a collaborative workspace session. It
// resolves the session from a link, joins the broadcast transport, serves
// the editor UI and keeps presence alive until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/hostrecord"
	"collabtext/internal/identity"
	"collabtext/internal/localfs"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/transport"
	"collabtext/internal/uihub"
	"collabtext/internal/workspace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	listOnly := len(args) > 0 && args[0] == "sessions"
	if listOnly {
		args = args[1:]
	}

	cfg, flagSet, err := config.ParseAgent("collab-agent", args)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage: collab-agent [sessions] [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if listOnly {
		return listSessions(ctx, store)
	}

	id, err := identity.Resolve(ctx, cfg.Session.Link, store, logger)
	if err != nil {
		return err
	}

	tr := dialTransport(ctx, cfg, id.Token, logger)
	defer tr.Close()

	sess := session.New(session.Config{
		Identity:  id,
		Store:     store,
		Transport: tr,
		Logger:    logger,
		ShareBase: cfg.Session.ShareBase,
	})
	defer sess.Close()
	sess.RegisterUser(protocol.Participant{DisplayName: cfg.User.Name, ColorTag: cfg.User.Color})

	if id.Host && cfg.Workspace.SeedDir != "" {
		if err := seed(sess, cfg.Workspace.SeedDir); err != nil {
			return err
		}
	}

	hub := uihub.New(sess, logger)
	listener, err := net.Listen("tcp", cfg.UI.Listen)
	if err != nil {
		return fmt.Errorf("listening for the editor UI: %w", err)
	}
	server := &http.Server{Handler: hub.Handler(cfg.UI.StaticDir), ReadHeaderTimeout: 10 * time.Second}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	group.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		keepAlive(ctx, sess, cfg.Presence, logger)
		return nil
	})
	if cfg.Workspace.MountDir != "" {
		mount := localfs.NewMount(cfg.Workspace.MountDir, cfg.Workspace.MountName, sess, logger)
		group.Go(func() error { return mount.Watch(ctx) })
	}
	if cfg.Discovery.Enabled {
		group.Go(func() error { return announce(ctx, cfg, sess, listener.Addr(), logger) })
	}

	sess.Start()
	logger.Info("collab-agent is running",
		"ui", listener.Addr().String(),
		"link", sess.ShareLink(),
		"host", id.Host,
		"transport", cfg.Transport.Kind)

	err = group.Wait()
	sess.Leave()
	return err
}

func openStore(ctx context.Context, cfg *config.Agent) (hostrecord.Store, error) {
	if cfg.State.PostgresURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return hostrecord.OpenPostgres(connectCtx, cfg.State.PostgresURL, cfg.State.Owner)
	}
	return hostrecord.OpenBolt(cfg.State.Path)
}

// dialTransport never fails: when the configured medium is unavailable the
// session runs solo.
func dialTransport(ctx context.Context, cfg *config.Agent, token string, logger *slog.Logger) transport.Transport {
	opts := transport.Options{CompressAbove: cfg.Transport.CompressThreshold, Logger: logger}
	switch cfg.Transport.Kind {
	case config.TransportRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tr, err := transport.DialRedis(dialCtx, cfg.Transport.RedisURL, token, opts)
		if err == nil {
			return tr
		}
		logger.Error("redis transport unavailable, running solo", "error", err)
	case config.TransportRelay:
		tr, err := transport.DialRelay(cfg.Transport.RelayURL, token, opts)
		if err == nil {
			return tr
		}
		logger.Error("relay transport unavailable, running solo", "error", err)
	}
	return transport.Solo{Logger: logger}
}

func seed(sess *session.Session, dir string) error {
	nodes, err := localfs.Load(dir, "")
	if err != nil {
		return fmt.Errorf("loading seed directory: %w", err)
	}
	return sess.EditTree(func(tree []*workspace.Node) ([]*workspace.Node, error) {
		for _, node := range nodes {
			tree = workspace.ReplaceSubtree(tree, node)
		}
		return tree, nil
	})
}

func keepAlive(ctx context.Context, sess *session.Session, cfg config.PresenceConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.Heartbeat()
			for _, peer := range sess.Stale(cfg.StaleAfter) {
				logger.Info("participant silent", "participant", peer.ID, "name", peer.DisplayName)
			}
		}
	}
}

func announce(ctx context.Context, cfg *config.Agent, sess *session.Session, addr net.Addr, logger *slog.Logger) error {
	_, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return err
	}
	advertiser, err := discovery.Advertise(cfg.Discovery.Service, sess.SessionID(), sess.IsHost(), port, logger)
	if err != nil {
		logger.Warn("session not announced on the local network", "error", err)
		return nil
	}
	defer advertiser.Shutdown()

	err = discovery.Browse(ctx, cfg.Discovery.Service, func(found discovery.Session) {
		if found.Token == sess.SessionID() {
			return
		}
		logger.Info("session discovered", "session", found.Token, "host", found.Host, "url", found.URL())
	})
	if err != nil {
		logger.Warn("mDNS browsing stopped", "error", err)
		<-ctx.Done()
	}
	return nil
}

func listSessions(ctx context.Context, store hostrecord.Store) error {
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		fmt.Printf("%s\t%s\n", record.Token, record.RecordedAt.Format(time.RFC3339))
	}
	return nil
}
