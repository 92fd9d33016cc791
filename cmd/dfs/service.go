package main

import (
	"fmt"
	"os"

	"github.com/adarschwarzbach/distributed-file-system/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the dfs system service",
		Long: `Install and control the coordinator or a storage node as a system service.

Examples:
  sudo dfs service install --mode coordinator --config /etc/dfs/coordinator.yaml
  sudo dfs service install --mode node --config /etc/dfs/node.yaml
  sudo dfs service start --mode node
  sudo dfs service logs --mode node --follow`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := svc.ParseMode(serviceMode)
			return err
		},
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", string(svc.ModeNode), "Service role: 'coordinator' or 'node'")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: dfs-<mode>)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install dfs as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE:  runServiceUninstall,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the service",
		RunE:  runServiceStart,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the service",
		RunE:  runServiceStop,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE:  runServiceStatus,
	})
	serviceCmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		RunE:   runServiceRun,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.NewConfig(svc.Mode(serviceMode))
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate it first or pass --config", cfg.ConfigPath)
	}

	log.Info().Str("name", cfg.Name).Str("mode", string(cfg.Mode)).Str("config", cfg.ConfigPath).Msg("installing service")
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed.\n", cfg.Name)
	fmt.Printf("\nTo start it:\n  dfs service start --mode %s --name %s\n", cfg.Mode, cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled.\n", cfg.Name)
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if err := svc.Start(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q started.\n", cfg.Name)
	return nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	setupLogging()
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if err := svc.Stop(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q stopped.\n", cfg.Name)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	fmt.Printf("Service: %s\n", cfg.Name)

	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Status:  not installed or unknown (%v)\n", err)
		return nil
	}
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Mode:    %s\n", cfg.Mode)
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	run := runNode
	if cfg.Mode == svc.ModeCoordinator {
		run = runCoordinator
	}

	log.Info().Str("name", cfg.Name).Str("mode", string(cfg.Mode)).Msg("running as service")
	return svc.Run(&svc.Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath, Run: run}, cfg)
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
