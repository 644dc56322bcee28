// Package policy decides when a speaker may talk (Trigger) and who holds the
// floor (Floor). All times are watermark milliseconds passed in by the
// caller, which keeps both policies deterministic under test.
package policy

import (
	"sync"
	"time"
)

// TriggerConfig holds the tuning knobs of a Trigger. Zero values take the
// defaults; a negative MinSilence, DeltaThreshold or DecayFactor means an
// explicit zero.
type TriggerConfig struct {
	MaxLatency     time.Duration // forced emission after this much silence (default 30s)
	MinSilence     time.Duration // debounce after own activity (default 2s)
	DeltaThreshold float64       // semantic delta needed to speak (default 0.35)
	EmitGrowth     float64       // hysteresis multiplier per emission (default 1.15)
	DecayFactor    float64       // share of excess hysteresis kept per decay (default 0.5)
}

func (c TriggerConfig) withDefaults() TriggerConfig {
	out := c
	if out.MaxLatency == 0 {
		out.MaxLatency = 30 * time.Second
	}
	out.MinSilence = orDefault(out.MinSilence, 2*time.Second)
	out.DeltaThreshold = orDefault(out.DeltaThreshold, 0.35)
	if out.EmitGrowth == 0 {
		out.EmitGrowth = 1.15
	}
	out.DecayFactor = orDefault(out.DecayFactor, 0.5)
	return out
}

// orDefault returns def for zero and zero for any negative value.
func orDefault[T ~int64 | ~float64](v, def T) T {
	switch {
	case v == 0:
		return def
	case v < 0:
		return 0
	}
	return v
}

// Trigger is one speaker's "may I speak now" policy.
type Trigger struct {
	cfg TriggerConfig

	mu           sync.Mutex
	lastEmit     int64
	lastActivity int64
	hysteresis   float64
	nudged       bool
}

// NewTrigger creates a Trigger that has never emitted.
func NewTrigger(cfg TriggerConfig) *Trigger {
	return &Trigger{cfg: cfg.withDefaults(), hysteresis: 1.0}
}

// ShouldEmit decides whether the speaker may emit at now given the current
// semantic delta (magnitude of change since its last turn).
//
//  1. Silent for at least MaxLatency: always yes.
//  2. Own activity within MinSilence: no.
//  3. Nudged since the last evaluation: yes.
//  4. Otherwise yes only if delta clears DeltaThreshold scaled by hysteresis.
func (t *Trigger) ShouldEmit(now int64, delta float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now-t.lastEmit >= t.cfg.MaxLatency.Milliseconds() {
		return true
	}
	if now-t.lastActivity < t.cfg.MinSilence.Milliseconds() {
		return false
	}
	if t.nudged {
		t.nudged = false
		return true
	}
	return delta >= t.cfg.DeltaThreshold*t.hysteresis
}

// MarkEmitted records an emission at now and raises the hysteresis so the
// next delta-driven emission needs a larger change.
func (t *Trigger) MarkEmitted(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastEmit = now
	t.hysteresis *= t.cfg.EmitGrowth
	t.nudged = false
}

// Decay moves the hysteresis back toward 1.0. Called whenever ShouldEmit
// said no.
func (t *Trigger) Decay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hysteresis = 1 + (t.hysteresis-1)*t.cfg.DecayFactor
}

// Activity records a non-THINK event from this speaker's role.
func (t *Trigger) Activity(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = now
}

// Nudge arms a one-shot bypass of the delta test for the next evaluation.
// The MinSilence debounce still applies.
func (t *Trigger) Nudge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nudged = true
}

// Hysteresis returns the current multiplier.
func (t *Trigger) Hysteresis() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hysteresis
}

// LastEmit returns the watermark of the last emission (0 if never).
func (t *Trigger) LastEmit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEmit
}
