package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"quizsync/internal/config"
	"quizsync/internal/logging"
)

var (
	port       string
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

// runtime is what every subcommand gets after the root pre-run.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	rt := &runtime{logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:          "quizsync",
		Short:        "Real-time quiz session sync over WebSocket",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = rt.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&port, "port", "", "port to listen on (overrides config and PORT)")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewStartCmd(rt))
	cmd.AddCommand(NewMigrateCmd(rt))
	cmd.AddCommand(NewJoinCmd(rt))
	cmd.AddCommand(NewHostCmd(rt))
	return cmd
}
