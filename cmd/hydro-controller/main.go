package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/hydro-controller/internal/api/handlers"
	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/errors"
	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hydro-controller",
	Short: "Hydroponic nutrient controller",
	Long: `hydro-controller drives dosing pumps on I2C, valve relays and flow meters on GPIO
and pH/EC probes for a hydroponic nutrient mixing system. It keeps job and relay state in
a local store so that a restart picks up where it left off.`,
	SilenceUsage: true,
}

var (
	configFile string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hydro-controller %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// loadConfig loads the config file and builds the logger from it.
// Command line flags win over the file.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load config")
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create logger")
	}
	handlers.Version = version
	return cfg, log, nil
}

// withSystem opens the hardware and restores persisted jobs for a one-shot command
func withSystem(ctx context.Context, fn func(*hardware.System) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	system, err := hardware.New(ctx, cfg, log)
	if err != nil {
		return errors.Wrapf(err, "failed to open hardware")
	}
	defer system.Close()
	if err := system.Initialize(ctx); err != nil {
		log.WithError(err).Warn("Some persisted jobs could not be reconciled")
	}
	return fn(system)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
