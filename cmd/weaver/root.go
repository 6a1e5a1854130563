package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/lineage-weaver/internal/config"
	"github.com/alvmarrod/lineage-weaver/internal/version"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "weaver",
		Short: "Crawls an evolution wiki into a resumable lineage graph",
		Long: `weaver walks an entity wiki from seed pages, storing every entity and its
raw predecessor and successor links, then resolves those links into a graph
of entity ids. Interrupted crawls continue with "weaver resume".`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := configureLogging(logrus.StandardLogger(), cfg.LogLevel, cfg.LogFormat, opts.verbose); err != nil {
				return err
			}
			opts.cfg = cfg

			logrus.Infof("Lineage Weaver v%s starting...", version.Version)
			if cfg.File == "" {
				logrus.Warnf("Config file %s not found; using defaults and environment", opts.configPath)
			} else {
				logrus.Infof("Configuration loaded from %s", cfg.File)
			}
			logrus.Infof("Configuration: base=%s, workers=%d, driver=%s",
				cfg.BaseURL, cfg.ConcurrentWorkers, cfg.DBDriver)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "config file (JSON or YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newFreshCmd(opts),
		newResumeCmd(opts),
		newReprocessCmd(opts),
		newResolveCmd(opts),
	)
	return cmd
}

func configureLogging(log *logrus.Logger, level, format string, verbose bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
