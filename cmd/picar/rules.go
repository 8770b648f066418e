package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/app"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
	"github.com/teslashibe/go-picar/pkg/rules"
)

func newRulesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the behaviour rule table",
	}

	var file string
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "rules file (overrides the configured table)")

	engine := func() (*rules.Engine, error) {
		cfg, err := g.load()
		if err != nil {
			return nil, err
		}
		if file != "" {
			cfg.Decision.RulesFile = file
		}
		return app.NewRules(cfg.Decision, log.Discard())
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), e.Rules())
		},
	}

	var (
		rawContext string
		mode       string
	)
	explain := &cobra.Command{
		Use:   "explain",
		Short: "Show which rule fires for a perception context",
		Long: `Show which rule fires for a perception context given as JSON, e.g.

  picar rules explain --context '{"face_detected": true, "obstacle_distance": 80}'

Fields left out are absent; an omitted obstacle_distance is unknown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := engine()
			if err != nil {
				return err
			}
			c, err := parseContext(rawContext)
			if err != nil {
				return err
			}
			if mode != "" {
				m, err := decision.ParseMode(mode)
				if err != nil {
					return err
				}
				actions, _ := e.ForMode(m).Evaluate(cmd.Context(), c)
				fmt.Fprintf(cmd.OutOrStdout(), "mode %s: %s\n", m, formatActions(actions))
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.Explain(c))
			return nil
		},
	}
	explain.Flags().StringVar(&rawContext, "context", "{}", "perception context as JSON")
	explain.Flags().StringVarP(&mode, "mode", "m", "", "also evaluate with the rules of this mode")

	cmd.AddCommand(list, explain)
	return cmd
}

func parseContext(raw string) (perception.Context, error) {
	c := perception.Context{ObstacleDistance: perception.UnknownDistance}
	if strings.TrimSpace(raw) == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("parse --context: %w", err)
	}
	return c, nil
}

func printRules(w io.Writer, rs []rules.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tENABLED\tMODES\tACTIONS")
	for _, r := range rs {
		modes := "all"
		if len(r.Modes) > 0 {
			names := make([]string, len(r.Modes))
			for i, m := range r.Modes {
				names[i] = string(m)
			}
			modes = strings.Join(names, ",")
		}
		fmt.Fprintf(tw, "%.2f\t%s\t%t\t%s\t%s\n", r.Priority, r.Name, r.Enabled, modes, formatActions(r.Actions))
	}
	return tw.Flush()
}

func formatActions(actions []string) string {
	if len(actions) == 0 {
		return "-"
	}
	return strings.Join(actions, ", ")
}
