// Package reasoner asks a chat model to choose the robot's actions.
//
// The Reasoner is a decision.Provider. Every failure (timeout, transport,
// malformed answer) yields an empty action list and a *decision.Error, so the
// loop fails closed and the robot does nothing rather than something unplanned.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-picar/internal/log"
	"github.com/teslashibe/go-picar/pkg/decision"
	"github.com/teslashibe/go-picar/pkg/perception"
)

// Settings controls how the Reasoner uses its backend.
type Settings struct {
	// Timeout bounds one decision call.
	Timeout time.Duration

	// CallsPerSecond and Burst bound backend traffic. Cycles over budget
	// produce no actions.
	CallsPerSecond float64
	Burst          int

	// LatencyAlpha is the EWMA weight of the newest latency sample.
	LatencyAlpha float64

	// Actions lists what the model may choose.
	Actions []ActionInfo

	// Validate rejects tokens the robot cannot execute. Nil accepts all.
	Validate func(token string) error

	// ObstacleThreshold is quoted in the safety rules of the prompt.
	ObstacleThreshold float64
}

// DefaultSettings returns settings for a hosted model.
func DefaultSettings() Settings {
	return Settings{
		Timeout:           5 * time.Second,
		CallsPerSecond:    2,
		Burst:             2,
		LatencyAlpha:      0.3,
		ObstacleThreshold: 20,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.Timeout <= 0 {
		return errors.New("reasoner: timeout must be positive")
	}
	if s.CallsPerSecond <= 0 || s.Burst <= 0 {
		return errors.New("reasoner: call budget must be positive")
	}
	if s.LatencyAlpha <= 0 || s.LatencyAlpha > 1 {
		return fmt.Errorf("reasoner: latency alpha must be within (0, 1], got %v", s.LatencyAlpha)
	}
	return nil
}

// Stats counts decision calls.
type Stats struct {
	Calls     uint64 `json:"calls"`
	Failures  uint64 `json:"failures"`
	Throttled uint64 `json:"throttled"`
	Dropped   uint64 `json:"dropped_actions"`
}

// Reasoner implements decision.Provider on top of a chat Backend.
type Reasoner struct {
	backend Backend
	s       Settings
	limiter *rate.Limiter
	system  string
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	latency time.Duration
	last    Decision
	hasLast bool
	stats   Stats
}

// New creates a Reasoner.
func New(backend Backend, s Settings, logger *slog.Logger) *Reasoner {
	return &Reasoner{
		backend: backend,
		s:       s,
		limiter: rate.NewLimiter(rate.Limit(s.CallsPerSecond), s.Burst),
		system:  SystemPrompt(s.Actions, s.ObstacleThreshold),
		now:     time.Now,
		logger:  log.Or(logger).With("component", "reasoner"),
	}
}

// Name returns the provider kind.
func (r *Reasoner) Name() string { return decision.KindLLM }

// Evaluate asks the backend for the actions to run in context c.
func (r *Reasoner) Evaluate(ctx context.Context, c perception.Context) ([]string, error) {
	if !r.limiter.Allow() {
		r.mu.Lock()
		r.stats.Throttled++
		r.mu.Unlock()
		r.logger.Debug("call budget exhausted, skipping cycle")
		return []string{}, nil
	}

	d, err := r.decide(ctx, c)
	if err != nil {
		r.mu.Lock()
		r.stats.Failures++
		r.mu.Unlock()
		return []string{}, decision.Wrap(decision.KindLLM, err)
	}

	r.logger.Info("decision", "actions", d.Actions, "priority", d.Priority, "reasoning", d.Reasoning)
	return append([]string(nil), d.Actions...), nil
}

// Explain asks the backend for a decision and renders it for a human.
// It bypasses the call budget and does not update LastDecision.
func (r *Reasoner) Explain(ctx context.Context, c perception.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.s.Timeout)
	defer cancel()

	resp, err := r.backend.Chat(ctx, r.request(c))
	if err != nil {
		return "", err
	}
	d, err := ParseDecision(resp.Content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("actions: %v\nreasoning: %s", d.Actions, d.Reasoning), nil
}

func (r *Reasoner) request(c perception.Context) *ChatRequest {
	return &ChatRequest{
		Messages: []Message{NewSystemMessage(r.system), NewUserMessage(UserPrompt(c))},
		JSON:     true,
	}
}

func (r *Reasoner) decide(ctx context.Context, c perception.Context) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.s.Timeout)
	defer cancel()

	start := r.now()
	resp, err := r.backend.Chat(ctx, r.request(c))
	if !errors.Is(err, context.DeadlineExceeded) {
		r.observeLatency(r.now().Sub(start))
	}
	r.mu.Lock()
	r.stats.Calls++
	r.mu.Unlock()
	if err != nil {
		return Decision{}, err
	}

	d, err := ParseDecision(resp.Content)
	if err != nil {
		r.logger.Debug("unparseable answer", "content", truncate(resp.Content, 200))
		return Decision{}, err
	}

	if r.s.Validate != nil {
		kept := d.Actions[:0]
		for _, a := range d.Actions {
			if verr := r.s.Validate(a); verr != nil {
				d.Dropped = append(d.Dropped, a)
				continue
			}
			kept = append(kept, a)
		}
		d.Actions = kept
		if len(d.Dropped) > 0 {
			r.logger.Warn("dropped unknown actions", "dropped", d.Dropped)
		}
	}

	r.mu.Lock()
	r.last, r.hasLast = d, true
	r.stats.Dropped += uint64(len(d.Dropped))
	r.mu.Unlock()
	return d, nil
}

func (r *Reasoner) observeLatency(sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latency == 0 {
		r.latency = sample
		return
	}
	a := r.s.LatencyAlpha
	r.latency = time.Duration(a*float64(sample) + (1-a)*float64(r.latency))
}

// Latency returns the smoothed call latency.
func (r *Reasoner) Latency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latency
}

// LastDecision returns the most recent successfully parsed decision.
func (r *Reasoner) LastDecision() (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.last
	d.Actions = append([]string(nil), d.Actions...)
	d.Dropped = append([]string(nil), d.Dropped...)
	return d, r.hasLast
}

// Stats returns call counters.
func (r *Reasoner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close closes the backend.
func (r *Reasoner) Close() error {
	return r.backend.Close()
}

var (
	_ decision.Provider        = (*Reasoner)(nil)
	_ decision.LatencyReporter = (*Reasoner)(nil)
)
