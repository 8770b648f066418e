package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-picar/internal/config"
	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/app"
	"github.com/teslashibe/go-picar/pkg/decision"
)

type runFlags struct {
	mode     string
	provider string
	host     string
	sim      bool
	http     string
	bridge   bool
	vision   bool
	hz       float64
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop and the control API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			mode, err := f.apply(cmd, &cfg)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, app.WithLogger(log.L()))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.Run(ctx, mode)
		},
	}

	f.bind(cmd)
	return cmd
}

func (f *runFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.mode, "mode", "m", "", "start mode: autonomous, voice_control, tracking or exploration")
	fl.StringVarP(&f.provider, "provider", "p", "", "decision provider: rules or llm")
	fl.StringVar(&f.host, "host", "", "car daemon address (overrides PICAR_HOST)")
	fl.BoolVar(&f.sim, "sim", false, "drive a simulated car instead of the daemon")
	fl.StringVar(&f.http, "http", "", "control API listen address")
	fl.BoolVar(&f.bridge, "bridge", false, "accept sensor readings on the websocket bridge")
	fl.BoolVar(&f.vision, "vision", false, "run onboard face, colour and QR detection")
	fl.Float64Var(&f.hz, "hz", 0, "loop frequency in Hz")
}

// apply copies the flags the user set onto cfg and returns the start mode.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) (decision.Mode, error) {
	changed := cmd.Flags().Changed
	if f.provider != "" {
		cfg.Decision.Provider = strings.ToLower(f.provider)
	}
	if f.host != "" {
		cfg.Host = f.host
	}
	if changed("sim") {
		cfg.Sim = f.sim
	}
	if f.http != "" {
		cfg.HTTP.Addr = f.http
	}
	if changed("bridge") {
		cfg.Bridge.Enabled = f.bridge
	}
	if changed("vision") {
		cfg.Vision.Enabled = f.vision
	}
	if changed("hz") {
		cfg.Loop.Frequency = f.hz
	}

	if f.mode == "" {
		return cfg.Loop.Mode, nil
	}
	mode, err := decision.ParseMode(f.mode)
	if err != nil {
		return "", err
	}
	cfg.Loop.Mode = mode
	return mode, nil
}
