package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

var (
	cfgFile   string
	logPretty bool
	rootCmd   = &cobra.Command{
		Use:   "framegrab",
		Short: "framegrab - video frame grabber for V4L2 devices and X11 screens",
		Long: `framegrab captures frames from Video4Linux2 devices (webcams, capture
cards, TV tuners) or an X11 screen, crops and scales them, and hands them
to an output.

Features:
  • read, mmap and user pointer capture methods
  • crop, 3D side-by-side/top-and-bottom half selection and scaling
  • no-signal detection for capture cards
  • automatic session restart with backoff
  • REST API and websocket event stream`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framegrab/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "human readable log output")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and sets up logging.
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := configMgr.Get()
	if err != nil {
		return nil, nil, err
	}

	// The flag wins for this run but is not persisted.
	if level := viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
	logger.Init(cfg.LogLevel, logPretty)
	return configMgr, cfg, nil
}
