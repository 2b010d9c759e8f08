// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/convertica/convertica/internal/config"
	"github.com/convertica/convertica/internal/database"
	"github.com/convertica/convertica/internal/logging"
	rdb "github.com/convertica/convertica/internal/redis"
)

// redisKeyPrefix namespaces the quota counters and stats buckets.
const redisKeyPrefix = "convertica:"

// connectTimeout bounds the startup connection retries.
const connectTimeout = 30 * time.Second

var cfgFile string
var logLevel string
var debugMode bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convertica",
	Short: "Convertica request gate: quotas, operation runs and task routing",
	Long: `Fronts the Convertica conversion API. It authenticates callers, enforces
the per-IP and per-tier quotas, records one operation run per call and hands
accepted conversions to the premium or regular task queue.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CONVERTICA_CONFIG"), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging with the console encoder")
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger builds the logger from cfg and the logging flags.
func newLogger(cfg *config.Config, flags *pflag.FlagSet) (*zap.Logger, error) {
	lc := cfg.Log
	if flags.Changed("log-level") {
		lc.Level = logLevel
	}
	if debugMode {
		lc.Level = "debug"
		lc.Development = true
	}
	return logging.New(lc)
}

func openDatabase(cmd *cobra.Command, cfg *config.Config) (*database.DB, error) {
	return database.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, connectTimeout)
}

func connectRedis(cmd *cobra.Command, cfg *config.Config) (*rdb.Client, error) {
	client := rdb.NewClient(rdb.ClientConfig{
		URL:            cfg.Redis.URL,
		Password:       cfg.Redis.Password,
		ConnectTimeout: connectTimeout,
	})
	if err := client.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return client, nil
}
