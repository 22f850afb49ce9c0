package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledger-todo/api"
	"ledger-todo/config"
	"ledger-todo/emulator"
	"ledger-todo/engine"
	"ledger-todo/ledger"
	"ledger-todo/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledger-emulator",
		Short:         "Run the todolist module against Azure Storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dbg, _ := cmd.Flags().GetBool("debug"); dbg {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadEmulator()
	if err != nil {
		return cfg, err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ledger tables and the transaction queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info("storage init starting")
			ctx := cmd.Context()

			store, err := emulator.NewTableStore(cfg.StorageConnectionString, cfg.ResourcesTable, cfg.EntriesTable, cfg.ReceiptsTable)
			if err != nil {
				return fmt.Errorf("table store: %w", err)
			}
			if err := store.EnsureTables(ctx); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
			queue, err := emulator.NewAzureQueue(cfg.StorageConnectionString, cfg.TxQueue)
			if err != nil {
				return fmt.Errorf("transaction queue: %w", err)
			}
			if err := queue.EnsureExists(ctx); err != nil {
				return fmt.Errorf("create queue: %w", err)
			}

			log.WithFields(log.Fields{
				"tables": []string{cfg.ResourcesTable, cfg.EntriesTable, cfg.ReceiptsTable},
				"queue":  cfg.TxQueue,
			}).Info("storage init complete")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute queued transactions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.StandardLogger()
			store, err := emulator.NewTableStore(cfg.StorageConnectionString, cfg.ResourcesTable, cfg.EntriesTable, cfg.ReceiptsTable)
			if err != nil {
				return fmt.Errorf("table store: %w", err)
			}
			queue, err := emulator.NewAzureQueue(cfg.StorageConnectionString, cfg.TxQueue)
			if err != nil {
				return fmt.Errorf("transaction queue: %w", err)
			}

			var notify emulator.Notifier
			if cfg.RedisConnectionString != "" {
				opts, err := config.RedisOptions(cfg.RedisConnectionString)
				if err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				rc := redis.NewClient(opts)
				defer rc.Close()
				notify = storage.NewUpdateFeed(rc, cfg.UpdatesChannel, logger)
			} else {
				logger.Warn("REDIS_CONNECTION_STRING not set; ledger updates will not be published")
			}

			module := ledger.Module{Address: cfg.ModuleAddress}
			exec := emulator.NewExecutor(module, store, logger)
			emulator.NewProcessor(queue, exec, notify, idle, logger).Run(ctx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", time.Second, "wait between polls of an empty queue")
	return cmd
}

func showCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "show <account>",
		Short: "Print the todo list stored for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			account := args[0]
			store, err := emulator.NewTableStore(cfg.StorageConnectionString, cfg.ResourcesTable, cfg.EntriesTable, cfg.ReceiptsTable)
			if err != nil {
				return fmt.Errorf("table store: %w", err)
			}
			queue, err := emulator.NewAzureQueue(cfg.StorageConnectionString, cfg.TxQueue)
			if err != nil {
				return fmt.Errorf("transaction queue: %w", err)
			}

			module := ledger.Module{Address: cfg.ModuleAddress}
			gw := emulator.NewGateway(module, store, queue, emulator.GatewayOptions{})
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			res, err := gw.ReadResource(ctx, account, module.ResourceType())
			if errors.Is(err, ledger.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no todo list\n", account)
				return nil
			}
			if err != nil {
				return err
			}
			tasks, err := engine.NewFetcher(gw, module, concurrency, nil).Fetch(ctx, res)
			if err != nil {
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(tasks, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel table lookups")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Print a local HS256 session token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := config.LoadAuth()
			if err != nil {
				return err
			}
			token, err := api.LocalToken(args[0], auth.LocalSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
