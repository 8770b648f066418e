// picar drives a PiCar-X from perception to action.
//
// Usage:
//
//	picar run --config picar.yaml
//	picar run --sim --mode tracking
//	picar rules list
//	picar rules explain --context '{"face_detected": true}'
//	picar validate --config picar.yaml
//	picar feed --url ws://localhost:8080/ws/sensors
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-picar/internal/config"
	"github.com/teslashibe/go-picar/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "picar",
		Short:         "Autonomous control loop for the PiCar-X",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := g.logLevel
			if level == "" {
				level = os.Getenv(config.EnvLogLevel)
			}
			log.InitWriter(level, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (default from LOG_LEVEL)")

	root.AddCommand(
		newRunCmd(g),
		newRulesCmd(g),
		newValidateCmd(g),
		newFeedCmd(),
	)
	return root
}

// load reads the configuration file and environment. Command flags are
// applied by the caller.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}
