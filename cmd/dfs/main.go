// dfs runs the coordinator, a storage node, or client operations against a
// running cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adarschwarzbach/distributed-file-system/internal/config"
	"github.com/adarschwarzbach/distributed-file-system/internal/coord"
	"github.com/adarschwarzbach/distributed-file-system/internal/logging/loki"
	"github.com/adarschwarzbach/distributed-file-system/internal/metrics"
	"github.com/adarschwarzbach/distributed-file-system/internal/node"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Role overrides
	listenAddr      string
	adminAddr       string
	coordinatorAddr string
	dataDir         string
	nodeID          string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dfs",
		Short: "Distributed chunked file storage",
		Long: `dfs stores files as fixed-size chunks spread over storage nodes.

A coordinator tracks nodes, chunk replicas and file layouts. Storage nodes
hold chunk bytes on disk and copy new chunks to a few peers.

Examples:
  dfs coordinator --listen :5000
  dfs node --coordinator localhost:5000 --listen :6000 --data-dir /var/lib/dfs
  dfs upload ./report.pdf
  dfs download <file-id> ./report.pdf`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	coordinatorCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the metadata coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return runInteractive(runCoordinator)
		},
	}
	coordinatorCmd.Flags().StringVar(&listenAddr, "listen", "", "Request listen address (overrides config)")
	coordinatorCmd.Flags().StringVar(&adminAddr, "admin", "", "Admin HTTP listen address (overrides config)")
	rootCmd.AddCommand(coordinatorCmd)

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return runInteractive(runNode)
		},
	}
	nodeCmd.Flags().StringVar(&listenAddr, "listen", "", "Request listen address (overrides config)")
	nodeCmd.Flags().StringVar(&coordinatorAddr, "coordinator", "", "Coordinator address (overrides config)")
	nodeCmd.Flags().StringVar(&dataDir, "data-dir", "", "Chunk directory (overrides config)")
	nodeCmd.Flags().StringVar(&nodeID, "id", "", "Node id (overrides config and the persisted id)")
	rootCmd.AddCommand(nodeCmd)

	for _, cmd := range newClientCmds() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dfs %s (%s)\n", Version, Commit)
		},
	})

	return rootCmd
}

// runInteractive runs a role until SIGINT or SIGTERM.
func runInteractive(run func(ctx context.Context, configPath string) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return run(ctx, cfgFile)
}

func loadCoordinatorConfig(path string) (*config.CoordinatorConfig, error) {
	cfg := config.DefaultCoordinatorConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadCoordinatorConfig(path); err != nil {
			return nil, err
		}
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if adminAddr != "" {
		cfg.AdminListen = adminAddr
	}
	return cfg, cfg.Validate()
}

func runCoordinator(ctx context.Context, configPath string) error {
	cfg, err := loadCoordinatorConfig(configPath)
	if err != nil {
		return err
	}

	defer shipLogs(cfg.Logging, "coordinator")()

	opts := coord.OptionsFromConfig(cfg)
	opts.Registry = metrics.Registry
	c := coord.New(opts, log.Logger)
	if err := c.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	return c.Stop()
}

func loadNodeConfig(path string) (*config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadNodeConfig(path); err != nil {
			return nil, err
		}
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
		cfg.AdvertisePort = 0
	}
	if coordinatorAddr != "" {
		cfg.Coordinator = coordinatorAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if nodeID != "" {
		cfg.ID = nodeID
	}
	return cfg, cfg.Validate()
}

func runNode(ctx context.Context, configPath string) error {
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}

	defer shipLogs(cfg.Logging, "node")()

	opts := node.OptionsFromConfig(cfg)
	opts.Registry = metrics.Registry
	n, err := node.New(opts, log.Logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	return n.Stop()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// shipLogs tees the global logger to Loki when configured. The returned
// func flushes and stops shipping.
func shipLogs(cfg config.LoggingConfig, role string) func() {
	if cfg.LokiURL == "" {
		return func() {}
	}

	labels := map[string]string{"role": role}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	w := loki.New(loki.Config{URL: cfg.LokiURL, Labels: labels})
	log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w))
	log.Info().Str("url", cfg.LokiURL).Msg("shipping logs to loki")

	return func() {
		if err := w.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "loki: final flush failed: %v\n", err)
		}
	}
}
