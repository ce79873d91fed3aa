// Command mirror maintains an offline-first local replica of a remote
// entity feed: one-shot and daemon sync, status inspection, and replica
// export/import.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Offline-first replica of a remote entity feed",
	Long: `mirror keeps a local replica of remote entities in sync through the
server's change-event feed. Configuration lives in mirror.yaml; every
setting can be overridden with MIRROR_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default mirror.yaml)")
	rootCmd.PersistentFlags().String("feed", "", "feed directory (file-backed remote)")
	rootCmd.PersistentFlags().String("store", "", "store driver: memory, sqlite or postgres")
	_ = viper.BindPFlag("feed.dir", rootCmd.PersistentFlags().Lookup("feed"))
	_ = viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mirror")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("MIRROR")
	viper.AutomaticEnv()

	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.path", ".mirror/mirror.db")
	viper.SetDefault("feed.dir", "feed")
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("sync.lite", false)
	viper.SetDefault("dashboard.addr", "")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds the process logger. With log.file set, output rotates
// through lumberjack; otherwise it goes to stderr.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
