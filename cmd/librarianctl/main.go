// Command librarianctl is the administrative tool of §6: catalog
// migration, store and librarian membership changes, and one-shot
// task runs, each against the same server/background config documents
// the daemon itself loads.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/postgres"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/queue"
	"github.com/simonsobs/librarian/internal/scheduler"
	"github.com/simonsobs/librarian/internal/storebuild"
	"github.com/simonsobs/librarian/internal/tasks"
	"github.com/simonsobs/librarian/internal/transfer"
)

// Exit codes per §6: 0 success, 2 configuration error, 3 database
// unreachable, 4 task kind unknown.
const (
	exitOK            = 0
	exitConfiguration = 2
	exitDatabase      = 3
	exitUnknownTask   = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	kind, ok := cmn.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case cmn.KindConfiguration:
		return exitConfiguration
	case cmn.KindTransient, cmn.KindUnreachable:
		return exitDatabase
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "librarianctl",
	Short: "Administer a librarian federation member (§6)",
}

func init() {
	rootCmd.PersistentFlags().String("server-config", "server.yaml", "path to the server config document (§6)")
	rootCmd.PersistentFlags().String("background-config", "background.yaml", "path to the background-task config document (§6)")

	catalogCmd.AddCommand(catalogMigrateCmd)
	rootCmd.AddCommand(catalogCmd)

	storeCmd.AddCommand(storeEnableCmd)
	storeCmd.AddCommand(storeDisableCmd)
	rootCmd.AddCommand(storeCmd)

	librarianCmd.AddCommand(librarianAddCmd)
	librarianCmd.AddCommand(librarianRemoveCmd)
	rootCmd.AddCommand(librarianCmd)

	taskCmd.AddCommand(taskRunOnceCmd)
	rootCmd.AddCommand(taskCmd)
}

func serverConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	path, _ := cmd.Flags().GetString("server-config")
	return config.LoadServerConfig(path)
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the Catalog database",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the catalog schema out of band, before the daemon starts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serverConfig(cmd)
		if err != nil {
			return err
		}
		cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(cfg.LogLevel), JSON: cfg.LogJSON})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// postgres.Open applies the schema itself on connect, so
		// migrate is just opening and closing the catalog.
		cat, err := postgres.Open(ctx, cfg.DatabaseURL, cmn.Logger)
		if err != nil {
			return cmn.Wrap(cmn.KindTransient, err, "applying catalog schema")
		}
		defer cat.Close()
		fmt.Println("catalog schema applied")
		return nil
	},
}

// --- store ---

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage configured stores",
}

var storeEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Re-enable a disabled store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStoreEnabled(cmd, args[0], true)
	},
}

var storeDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a store, stopping it from receiving new instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStoreEnabled(cmd, args[0], false)
	},
}

func setStoreEnabled(cmd *cobra.Command, name string, enabled bool) error {
	cfg, err := serverConfig(cmd)
	if err != nil {
		return err
	}
	cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cat, err := postgres.Open(ctx, cfg.DatabaseURL, cmn.Logger)
	if err != nil {
		return cmn.Wrap(cmn.KindTransient, err, "connecting to catalog")
	}
	defer cat.Close()
	if err := cat.SetStoreEnabled(ctx, name, enabled); err != nil {
		return err
	}
	fmt.Printf("store %q enabled=%v\n", name, enabled)
	return nil
}

// --- librarian ---

var librarianCmd = &cobra.Command{
	Use:   "librarian",
	Short: "Manage federation peers",
}

var librarianAddCmd = &cobra.Command{
	Use:   "add <name> <url> <auth-secret>",
	Short: "Register a peer librarian in the catalog",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serverConfig(cmd)
		if err != nil {
			return err
		}
		cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(cfg.LogLevel), JSON: cfg.LogJSON})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cat, err := postgres.Open(ctx, cfg.DatabaseURL, cmn.Logger)
		if err != nil {
			return cmn.Wrap(cmn.KindTransient, err, "connecting to catalog")
		}
		defer cat.Close()
		l := catalogLibrarian(args[0], args[1], args[2])
		if err := cat.UpsertLibrarian(ctx, l); err != nil {
			return err
		}
		fmt.Printf("librarian %q registered at %q\n", args[0], args[1])
		return nil
	},
}

var librarianRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Disable a peer librarian by recording when it was disabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serverConfig(cmd)
		if err != nil {
			return err
		}
		cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(cfg.LogLevel), JSON: cfg.LogJSON})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cat, err := postgres.Open(ctx, cfg.DatabaseURL, cmn.Logger)
		if err != nil {
			return cmn.Wrap(cmn.KindTransient, err, "connecting to catalog")
		}
		defer cat.Close()
		// There is no hard-delete of a Librarian row: RemoteInstance
		// and Transfer rows reference it by name, and the rolling
		// deletion policy's copy counts must keep seeing it. Removal
		// is disabling: it sets DisabledAt, which send_clone compares
		// against warn_disabled_timer to notify. Transfers to or from
		// a disabled peer are not refused.
		now := time.Now()
		if err := cat.SetLibrarianDisabled(ctx, args[0], &now); err != nil {
			return err
		}
		fmt.Printf("librarian %q disabled\n", args[0])
		return nil
	},
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Interact with configured background tasks",
}

var taskRunOnceCmd = &cobra.Command{
	Use:   "run-once <task-name>",
	Short: "Run one configured task instance outside the scheduler's loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaskOnce(cmd, args[0])
	},
}

func runTaskOnce(cmd *cobra.Command, name string) error {
	serverConfigPath, _ := cmd.Flags().GetString("server-config")
	backgroundConfigPath, _ := cmd.Flags().GetString("background-config")

	cfg, err := config.LoadServerConfig(serverConfigPath)
	if err != nil {
		return err
	}
	bgCfg, err := config.LoadBackgroundConfig(backgroundConfigPath)
	if err != nil {
		return err
	}

	var inst config.TaskInstance
	var found bool
	for _, instances := range bgCfg.Tasks {
		for _, i := range instances {
			if i.Name == name {
				inst, found = i, true
			}
		}
	}
	if !found {
		return cmn.New(cmn.KindConfiguration, "no task instance named %q in %s", name, backgroundConfigPath)
	}
	task, ok := taskImpls[inst.Kind]
	if !ok {
		return &unknownTaskKindError{kind: inst.Kind}
	}

	cmn.InitLogging(cmn.LogConfig{Level: cmn.LogLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	log := cmn.WithTask(cmn.Logger, string(inst.Kind), inst.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := postgres.Open(ctx, cfg.DatabaseURL, cmn.Logger)
	if err != nil {
		return cmn.Wrap(cmn.KindTransient, err, "connecting to catalog")
	}
	defer cat.Close()

	stores, err := storebuild.Build(ctx, cfg.Stores)
	if err != nil {
		return err
	}

	peers := peerrpc.NewHTTPClient()
	for _, l := range cfg.Librarians {
		token, err := peerrpc.MintToken(cfg.Name, l.Auth, time.Hour)
		if err != nil {
			return err
		}
		peers.Register(l.Name, l.URL, token)
	}

	xfer := transfer.New(cat, stores, peers, cmn.Logger)

	start := time.Now()
	deadline := start.Add(inst.SoftTimeout.D())
	rc := &scheduler.RunContext{
		Context: ctx, Catalog: cat, Stores: stores, Transfer: xfer,
		Queue: queue.New(cat), Peers: peers, DeadlineAt: deadline, Log: log,
	}
	result := task.Run(rc, inst.Options)
	if result.Err != nil {
		return result.Err
	}
	fmt.Printf("task %q: %d items processed in %s\n", name, result.ItemsProcessed, time.Since(start))
	return nil
}

// taskImpls mirrors the daemon's scheduler registration (cmd/librarian)
// so run-once exercises the same Task implementations. Unlike the
// daemon, it sets no notification sink, so run-once emits no
// notifications.
var taskImpls = map[config.TaskKind]scheduler.Task{
	config.TaskCheckIntegrity:             tasks.CheckIntegrity{},
	config.TaskCreateLocalClone:           tasks.CreateLocalClone{},
	config.TaskSendClone:                  tasks.SendClone{},
	config.TaskConsumeQueue:               tasks.ConsumeQueue{},
	config.TaskCheckConsumedQueue:         tasks.CheckConsumedQueue{},
	config.TaskIncomingTransferHypervisor: tasks.IncomingTransferHypervisor{},
	config.TaskOutgoingTransferHypervisor: tasks.OutgoingTransferHypervisor{},
	config.TaskDuplicateRemoteInstanceHV:  tasks.DuplicateRemoteInstanceHypervisor{},
	config.TaskRollingDeletion:            tasks.RollingDeletion{},
	config.TaskCorruptionFixer:            tasks.CorruptionFixer{},
}

// catalogLibrarian builds the Librarian row "librarian add" registers.
// Network transport is the default for a freshly added peer; sneakernet
// membership is flipped on later by the operator once a drive shuttle
// schedule actually exists for the pair.
func catalogLibrarian(name, url, auth string) catalog.Librarian {
	return catalog.Librarian{Name: name, BaseURL: url, AuthToken: auth, Network: true}
}

type unknownTaskKindError struct{ kind config.TaskKind }

func (e *unknownTaskKindError) Error() string {
	return fmt.Sprintf("unknown task kind %q", e.kind)
}

func (e *unknownTaskKindError) ExitCode() int { return exitUnknownTask }
