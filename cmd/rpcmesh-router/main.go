// Command rpcmesh-router runs the presence registry and message
// dispatcher from pkg/router as a standalone process reachable over
// NATS, per spec.md's "Router CLI surface": a single binary accepting
// host, port, log level, quiet/verbose, help and version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/router"
)

// version is injected at build time via -ldflags, same convention the
// teacher pack's own CLI binaries use.
var version = "dev"

const (
	exitOK            = 0
	exitConfig        = 2
	exitInterrupted   = 130
	natsConnectRetrys = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	conf := defaultConfig()
	rootCmd := &cobra.Command{
		Use:     "rpcmesh-router",
		Short:   "rpcmesh presence registry and message broker",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), conf)
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("rpcmesh-router {{.Version}}\n")
	if err := setFlags(rootCmd, conf); err != nil {
		fmt.Fprintln(os.Stderr, "rpcmesh-router: failed to bind flags:", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		fmt.Fprintln(os.Stderr, "rpcmesh-router:", err)
		return exitConfig
	}
	if ctx.Err() != nil {
		return exitInterrupted
	}
	return exitOK
}

func serve(ctx context.Context, conf *config) error {
	level, err := logrus.ParseLevel(conf.effectiveLevel())
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", conf.LogLevel, err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "rpcmesh-router")

	natsURL := fmt.Sprintf("nats://%s:%d", conf.Host, conf.Port)
	nc, err := nats.Connect(natsURL, nats.MaxReconnects(natsConnectRetrys))
	if err != nil {
		return fmt.Errorf("failed to connect to nats at %s: %w", natsURL, err)
	}
	defer nc.Close()

	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	rt := router.New(router.Config{
		Codecs:              codecs,
		HealthCheckInterval: conf.HealthCheckInterval,
		InactivityTimeout:   conf.InactivityTimeout,
	}, nil, log.WithField("subcomponent", "router"))
	rt.Start()
	defer func() {
		if err := rt.Stop(); err != nil {
			log.WithError(err).Warn("router did not stop cleanly")
		}
	}()

	acc := newAcceptor(nc, conf.SubjectPrefix, rt, codecs, log.WithField("subcomponent", "acceptor"))
	if err := acc.start(); err != nil {
		return fmt.Errorf("failed to start lobby acceptor: %w", err)
	}
	defer acc.stop()

	log.WithFields(logrus.Fields{
		"nats":   natsURL,
		"lobby":  acc.lobbySubject(),
		"prefix": conf.SubjectPrefix,
	}).Info("rpcmesh-router listening")

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
