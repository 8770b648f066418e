package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/app"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and rule table without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			e, err := app.NewRules(cfg.Decision, log.Discard())
			if err != nil {
				return err
			}

			target := cfg.BaseURL()
			if cfg.Sim {
				target = "simulator"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: provider=%s mode=%s hz=%g rules=%d car=%s\n",
				cfg.Decision.Provider, cfg.Loop.Mode, cfg.Loop.Frequency, e.Len(), target)
			return nil
		},
	}
}
