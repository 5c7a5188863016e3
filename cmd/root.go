// Package cmd provides the threatlens command line.
package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/adalundhe/threatlens/core/artifacts"
	"github.com/adalundhe/threatlens/core/config"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	modelsDir  string

	cfg    *config.Config
	logger *slog.Logger
}

// newRootCmd builds the command tree. Each call returns independent flag
// state.
func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "threatlens",
		Short: "threatlens - phishing URL classification and threat-actor attribution",
		Long: `threatlens trains a benign/malicious URL classifier and a threat-actor
clusterer on synthetic indicator data, and answers classification queries
against the committed models.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: auto, text, json")
	pf.StringVar(&g.modelsDir, "models", "", "artifact directory (overrides artifacts.dir)")

	root.AddCommand(newTrainCmd(g))
	root.AddCommand(newInspectCmd(g))
	root.AddCommand(newClassifyCmd(g))
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func (g *globalOptions) setup(stderr io.Writer) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	config.Overlay(cfg, &config.Config{
		Artifacts: config.ArtifactsConfig{Dir: g.modelsDir},
		Logging:   config.LoggingConfig{Level: g.logLevel, Format: g.logFormat},
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg.Logging)
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.logger = logger
	return nil
}

func (g *globalOptions) openStore() (*artifacts.Store, error) {
	return artifacts.NewStore(g.cfg.Artifacts.Dir, artifacts.WithLogger(g.logger))
}

// newLogger writes text to a terminal and JSON otherwise, unless the
// format is fixed.
func newLogger(w io.Writer, lc config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	format := lc.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
