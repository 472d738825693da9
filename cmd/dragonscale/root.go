package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/config"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     config.Config
	v       = config.New()
	rootCmd = &cobra.Command{
		Use:           "dragonscale",
		Short:         "dragonscale plans, executes and learns from tool-backed task DAGs",
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file path (yaml or json)")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("db", "", "sqlite database for tool stats, weights and history")
	flags.Int("max-concurrency", 0, "maximum steps running at once (0 = unbounded)")
	for key, flag := range map[string]string{
		"log.debug":       "debug",
		"db_path":         "db",
		"max_concurrency": "max-concurrency",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind %s flag: %w", flag, err)
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Init(cfg.Log.Debug)
		return nil
	}
	rootCmd.AddCommand(runCmd(), execCmd(), watchCmd(), planCmd(), weightsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return config.FromViper(v)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
