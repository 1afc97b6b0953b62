// Command librarian runs the daemon described in §6: the HTTP ingest
// and Peer RPC surface, the background task Scheduler, or both in one
// process (§5, "correctness must not depend on whether the two halves
// share a process").
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/simonsobs/librarian/internal/catalog/postgres"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/httpapi"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/scheduler"
	"github.com/simonsobs/librarian/internal/storebuild"
	"github.com/simonsobs/librarian/internal/tasks"
	"github.com/simonsobs/librarian/internal/transfer"
)

const peerTokenTTL = time.Hour

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "librarian",
	Short: "Run the librarian replication and lifecycle daemon",
}

func init() {
	rootCmd.PersistentFlags().String("server-config", "server.yaml", "path to the server config document (§6)")
	rootCmd.PersistentFlags().String("background-config", "background.yaml", "path to the background-task config document (§6)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestOnlyCmd)
	rootCmd.AddCommand(backgroundOnlyCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingest surface and the task scheduler in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, true, true)
	},
}

var ingestOnlyCmd = &cobra.Command{
	Use:   "ingest-only",
	Short: "Run only the HTTP ingest surface; background tasks run elsewhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, true, false)
	},
}

var backgroundOnlyCmd = &cobra.Command{
	Use:   "background-only",
	Short: "Run only the task scheduler; no HTTP ingest surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, false, true)
	},
}

func run(cmd *cobra.Command, withHTTP, withScheduler bool) error {
	serverConfigPath, _ := cmd.Flags().GetString("server-config")
	backgroundConfigPath, _ := cmd.Flags().GetString("background-config")

	serverCfg, err := config.LoadServerConfig(serverConfigPath)
	if err != nil {
		return err
	}

	cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(serverCfg.LogLevel), JSON: serverCfg.LogJSON})
	log := cmn.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := postgres.Open(ctx, serverCfg.DatabaseURL, cmn.Logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	stores, err := storebuild.Build(ctx, serverCfg.Stores)
	if err != nil {
		return err
	}

	peers := peerrpc.NewHTTPClient()
	secrets := map[string]string{}
	for _, l := range serverCfg.Librarians {
		token, err := peerrpc.MintToken(serverCfg.Name, l.Auth, peerTokenTTL)
		if err != nil {
			return err
		}
		peers.Register(l.Name, l.URL, token)
		secrets[l.Name] = l.Auth
	}

	xfer := transfer.New(cat, stores, peers, cmn.Logger)
	reg := prometheus.NewRegistry()

	g, ctx := errgroup.WithContext(ctx)

	if withHTTP {
		api := httpapi.New(cat, stores, xfer, secrets, serverCfg.IngestableStores(), cmn.Logger)
		server := &fasthttp.Server{Handler: api.Handler()}
		g.Go(func() error {
			log.Info().Str("listen", serverCfg.Listen).Msg("starting HTTP ingest surface")
			return server.ListenAndServe(serverCfg.Listen)
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.Shutdown()
		})
	}

	if serverCfg.MetricsListen != "" {
		metricsServer := &http.Server{Addr: serverCfg.MetricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			log.Info().Str("listen", serverCfg.MetricsListen).Msg("starting metrics endpoint")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Shutdown(context.Background())
		})
	}

	if withScheduler {
		backgroundCfg, err := config.LoadBackgroundConfig(backgroundConfigPath)
		if err != nil {
			return err
		}
		sched := scheduler.New(cat, stores, xfer, peers, cmn.Logger, reg)
		notifySink := notify.NewMulti(notify.NewLogSink(cmn.Logger))
		sched.Register(config.TaskCheckIntegrity, tasks.CheckIntegrity{})
		sched.Register(config.TaskCreateLocalClone, tasks.CreateLocalClone{})
		sched.Register(config.TaskSendClone, tasks.SendClone{Notify: notifySink})
		sched.Register(config.TaskConsumeQueue, tasks.ConsumeQueue{})
		sched.Register(config.TaskCheckConsumedQueue, tasks.CheckConsumedQueue{})
		sched.Register(config.TaskIncomingTransferHypervisor, tasks.IncomingTransferHypervisor{})
		sched.Register(config.TaskOutgoingTransferHypervisor, tasks.OutgoingTransferHypervisor{})
		sched.Register(config.TaskDuplicateRemoteInstanceHV, tasks.DuplicateRemoteInstanceHypervisor{})
		sched.Register(config.TaskRollingDeletion, tasks.RollingDeletion{Notify: notifySink})
		sched.Register(config.TaskCorruptionFixer, tasks.CorruptionFixer{Notify: notifySink})

		g.Go(func() error {
			log.Info().Msg("starting task scheduler")
			return sched.Run(ctx, backgroundCfg)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Info().Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
