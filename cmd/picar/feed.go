package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/bridge"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// step is one scripted reading. Exactly the fields that are set are sent.
type step struct {
	After      string             `json:"after,omitempty"`
	Distance   *float64           `json:"distance,omitempty"`
	Vision     *perception.Report `json:"vision,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
}

type scenario struct {
	Steps []step `json:"steps"`
}

func ptr(f float64) *float64 { return &f }

// demoScenario walks the default rule table: a clear road, a face, a voice
// command, then an obstacle close enough for an emergency stop.
func demoScenario() scenario {
	face := perception.Report{
		FrameWidth: 640, FrameHeight: 480,
		Faces: []perception.Detection{{Kind: perception.KindFace, X: 400, Y: 220, Width: 90, Height: 90, Confidence: 0.92}},
	}
	return scenario{Steps: []step{
		{Distance: ptr(120)},
		{After: "1s", Vision: &face},
		{After: "2s", Transcript: "go forward"},
		{After: "2s", Distance: ptr(12)},
		{After: "1s", Distance: ptr(150), Vision: &perception.Report{}},
	}}
}

// loadScenario reads a YAML or JSON scenario. Field names follow the JSON
// wire format, so the file is decoded to a generic tree first.
func loadScenario(path string) (scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, err
	}
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return scenario{}, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return scenario{}, fmt.Errorf("parse %s: %w", path, err)
	}
	var sc scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return scenario{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, s := range sc.Steps {
		if _, err := s.delay(); err != nil {
			return scenario{}, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return sc, nil
}

func (s step) delay() (time.Duration, error) {
	if s.After == "" {
		return 0, nil
	}
	return time.ParseDuration(s.After)
}

// play sends every step in order, waiting each step's delay first.
func play(ctx context.Context, p *bridge.Publisher, sc scenario, out func(format string, args ...any)) error {
	for i, s := range sc.Steps {
		d, err := s.delay()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.Done():
				return bridge.ErrClosed
			case <-time.After(d):
			}
		}

		if s.Distance != nil {
			if err := p.Distance(*s.Distance); err != nil {
				return err
			}
			out("step %d: distance %.0f cm\n", i, *s.Distance)
		}
		if s.Vision != nil {
			r := *s.Vision
			r.Timestamp = time.Now()
			if err := p.Vision(r); err != nil {
				return err
			}
			out("step %d: vision faces=%d colors=%d qr=%d\n", i, len(r.Faces), len(r.Colors), len(r.QRCodes))
		}
		if s.Transcript != "" {
			if err := p.Transcript(s.Transcript); err != nil {
				return err
			}
			out("step %d: transcript %q\n", i, s.Transcript)
		}
	}
	return nil
}

func newFeedCmd() *cobra.Command {
	var (
		url, file, id string
		loop          bool
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Stream a scripted sensor scenario to a running controller's bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := demoScenario()
			if file != "" {
				var err error
				if sc, err = loadScenario(file); err != nil {
					return err
				}
			}
			if id == "" {
				id = "feed-" + uuid.NewString()[:8]
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			p, err := bridge.Dial(ctx, url, id, version, log.L())
			if err != nil {
				return err
			}
			defer p.Close()

			pong, err := p.Ping(ctx)
			if err != nil {
				return err
			}
			out := func(format string, args ...any) { fmt.Fprintf(cmd.OutOrStdout(), format, args...) }
			out("connected to %s as %s (round trip %d ms)\n", url, id, pong.LatencyMs)

			for {
				if err := play(ctx, p, sc, out); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if !loop {
					break
				}
			}
			if n := p.Rejected(); n > 0 {
				return fmt.Errorf("controller rejected %d messages, last: %s", n, p.LastError())
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&url, "url", "ws://localhost:8080/ws/sensors", "controller bridge endpoint")
	fl.StringVarP(&file, "scenario", "s", "", "YAML or JSON scenario (default: built-in demo)")
	fl.StringVar(&id, "id", "", "car id to announce (default: random)")
	fl.BoolVar(&loop, "loop", false, "repeat the scenario until interrupted")
	return cmd
}
