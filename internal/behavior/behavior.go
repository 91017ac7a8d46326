// Package behavior paces bot replies like a person would: a pause to "read"
// the incoming message and a pause to "type" the answer.
package behavior

import (
	"math/rand/v2"
	"time"

	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/pkg/models"
)

// Delay describes one randomized pause.
type Delay struct {
	Min         time.Duration
	Max         time.Duration
	PerChar     time.Duration
	Cap         time.Duration // bound on the per-character part
	PauseChance float64       // probability of an extra pause
	PauseMin    time.Duration
	PauseMax    time.Duration
}

// Simulator computes and sleeps delays.
type Simulator struct {
	cfg   config.BehaviorConfig
	rand  func() float64
	sleep func(time.Duration)
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithRand replaces the uniform [0,1) source.
func WithRand(f func() float64) Option { return func(s *Simulator) { s.rand = f } }

// WithSleep replaces time.Sleep.
func WithSleep(f func(time.Duration)) Option { return func(s *Simulator) { s.sleep = f } }

// New creates a Simulator.
func New(cfg config.BehaviorConfig, opts ...Option) *Simulator {
	s := &Simulator{cfg: cfg, rand: rand.Float64, sleep: time.Sleep}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Duration returns uniform(Min,Max) + min(textLength*PerChar, Cap) plus,
// with probability PauseChance, uniform(PauseMin,PauseMax).
func (s *Simulator) Duration(d Delay, textLength int) time.Duration {
	total := s.uniform(d.Min, d.Max)

	perChar := time.Duration(textLength) * d.PerChar
	if d.Cap > 0 && perChar > d.Cap {
		perChar = d.Cap
	}
	if perChar > 0 {
		total += perChar
	}

	if d.PauseChance > 0 && s.rand() < d.PauseChance {
		total += s.uniform(d.PauseMin, d.PauseMax)
	}
	return total
}

// Wait sleeps for Duration(d, textLength). It cannot be cancelled; callers
// run it on background tasks only.
func (s *Simulator) Wait(d Delay, textLength int) time.Duration {
	if !s.cfg.Enabled {
		return 0
	}
	dur := s.Duration(d, textLength)
	if dur > 0 {
		s.sleep(dur)
	}
	return dur
}

// Reading is the pause before answering a message.
func (s *Simulator) Reading(integ *models.PlatformIntegration) Delay {
	d := s.base(integ)
	d.PerChar, d.Cap = s.cfg.ReadingPerChar, s.cfg.ReadingCap
	return d
}

// Typing is the pause between the typing indicator and the send.
func (s *Simulator) Typing(integ *models.PlatformIntegration) Delay {
	d := s.base(integ)
	d.PerChar, d.Cap = s.cfg.TypingPerChar, s.cfg.TypingCap
	return d
}

func (s *Simulator) base(integ *models.PlatformIntegration) Delay {
	d := Delay{
		Min:         s.cfg.DefaultDelayMin,
		Max:         s.cfg.DefaultDelayMax,
		PauseChance: s.cfg.PauseChance,
		PauseMin:    s.cfg.PauseMin,
		PauseMax:    s.cfg.PauseMax,
	}
	if integ != nil && (integ.TypingDelayMin > 0 || integ.TypingDelayMax > 0) {
		d.Min = time.Duration(integ.TypingDelayMin) * time.Millisecond
		d.Max = time.Duration(integ.TypingDelayMax) * time.Millisecond
	}
	return d
}

func (s *Simulator) uniform(lo, hi time.Duration) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rand()*float64(hi-lo))
}
