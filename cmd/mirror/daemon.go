package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirrorkit/mirror/internal/daemon"
	"github.com/mirrorkit/mirror/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run continuous sync in the foreground.

The daemon syncs at the configured interval and picks up interval changes
from the config file without a restart. With dashboard.addr set, a status
and metrics endpoint is served alongside.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger("[daemon] ")
		eng, err := buildEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		if addr := viper.GetString("dashboard.addr"); addr != "" {
			srv := dashboard.NewServer(dashboard.Config{
				Addr:     addr,
				Store:    eng.store,
				Registry: eng.registry,
				Marks:    eng.marks,
				Syncer:   eng.syncer,
				Gatherer: eng.promReg,
				Logger:   logger,
			})
			if err := srv.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := srv.Stop(); err != nil {
					logger.Printf("Error stopping dashboard: %v", err)
				}
			}()
			eng.syncer.SetOnRound(srv.OnRound)
		}

		cfg := daemon.DefaultConfig()
		cfg.Interval = viper.GetDuration("sync.interval")
		cfg.Logger = logger
		if used := viper.ConfigFileUsed(); used != "" {
			cfg.ConfigPath = used
			cfg.ReloadInterval = func() time.Duration {
				v := viper.New()
				v.SetConfigFile(used)
				if err := v.ReadInConfig(); err != nil {
					logger.Printf("Error re-reading config: %v", err)
					return 0
				}
				return v.GetDuration("sync.interval")
			}
		}

		d, err := daemon.New(eng.syncer, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting sync daemon (interval %v)\n", cfg.Interval)
		fmt.Println("Press Ctrl+C to stop")
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
