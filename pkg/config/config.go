// Package config loads the chorus configuration file (YAML or TOML, chosen
// by extension), applies defaults, and resolves state paths with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chorus/pkg/orchestrator"
	"chorus/pkg/outbox"
	"chorus/pkg/policy"
	"chorus/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "1.5s" in both YAML
// and TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the on-disk configuration.
type File struct {
	LogPath   string   `yaml:"log_path,omitempty" toml:"log_path,omitempty"`
	InputPath string   `yaml:"input_path,omitempty" toml:"input_path,omitempty"`
	OutboxDir string   `yaml:"outbox_dir,omitempty" toml:"outbox_dir,omitempty"`
	IndexDB   string   `yaml:"index_db,omitempty" toml:"index_db,omitempty"`
	Duration  Duration `yaml:"duration,omitempty" toml:"duration,omitempty"`

	Loop    Loop    `yaml:"loop" toml:"loop"`
	Turn    Turn    `yaml:"turn" toml:"turn"`
	Trigger Trigger `yaml:"trigger" toml:"trigger"`
	Outbox  Outbox  `yaml:"outbox" toml:"outbox"`

	Agents []Agent `yaml:"agents,omitempty" toml:"agents,omitempty"`
	Tools  []Tool  `yaml:"tools,omitempty" toml:"tools,omitempty"`
}

// Loop tunes the orchestration loop.
type Loop struct {
	Tick                Duration `yaml:"tick" toml:"tick"`
	TurnPause           Duration `yaml:"turn_pause" toml:"turn_pause"`
	MaintenanceInterval Duration `yaml:"maintenance_interval" toml:"maintenance_interval"`
	CompactThreshold    int      `yaml:"compact_threshold" toml:"compact_threshold"`
	SummaryLimit        int      `yaml:"summary_limit" toml:"summary_limit"`
	BufferSize          int      `yaml:"buffer_size" toml:"buffer_size"`
	RecentEvents        int      `yaml:"recent_events" toml:"recent_events"`
	UserCooldown        Duration `yaml:"user_cooldown" toml:"user_cooldown"`
	ToolStopGrace       Duration `yaml:"tool_stop_grace" toml:"tool_stop_grace"`
}

// Turn bounds a single agent turn.
type Turn struct {
	MaxTokens int      `yaml:"max_tokens" toml:"max_tokens"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// Trigger tunes the per-agent trigger policy.
type Trigger struct {
	MaxLatency     Duration `yaml:"max_latency" toml:"max_latency"`
	MinSilence     Duration `yaml:"min_silence" toml:"min_silence"`
	DeltaThreshold float64  `yaml:"delta_threshold" toml:"delta_threshold"`
	EmitGrowth     float64  `yaml:"emit_growth" toml:"emit_growth"`
	DecayFactor    float64  `yaml:"decay_factor" toml:"decay_factor"`
}

// Outbox tunes the outbox worker.
type Outbox struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	BaseDelay    Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
}

// Agent configures one agent speaker. Exactly one of Command or Script is
// used: Command runs an external program per turn, Script replays turns
// whose lines use the same "ACT: text" format the program would print.
type Agent struct {
	Role    string     `yaml:"role" toml:"role"`
	Name    string     `yaml:"name,omitempty" toml:"name,omitempty"`
	Command []string   `yaml:"command,omitempty" toml:"command,omitempty"`
	Dir     string     `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Script  [][]string `yaml:"script,omitempty" toml:"script,omitempty"`
}

// StreamName returns the agent's stream tag (default "llm-<role>").
func (a Agent) StreamName() string {
	if a.Name != "" {
		return a.Name
	}
	return "llm-" + a.Role
}

// Tool configures one tool process.
type Tool struct {
	Name    string   `yaml:"name" toml:"name"`
	Command []string `yaml:"command" toml:"command"`
	Dir     string   `yaml:"dir,omitempty" toml:"dir,omitempty"`
}

// Default returns a File with every tunable set to its default.
func Default() *File {
	return &File{
		Loop: Loop{
			Tick:                Duration(250 * time.Millisecond),
			TurnPause:           Duration(500 * time.Millisecond),
			MaintenanceInterval: Duration(5 * time.Second),
			CompactThreshold:    200,
			SummaryLimit:        50,
			BufferSize:          1500,
			RecentEvents:        40,
			UserCooldown:        Duration(1500 * time.Millisecond),
			ToolStopGrace:       Duration(3 * time.Second),
		},
		Turn: Turn{MaxTokens: 256, Timeout: Duration(60 * time.Second)},
		Trigger: Trigger{
			MaxLatency:     Duration(30 * time.Second),
			MinSilence:     Duration(2 * time.Second),
			DeltaThreshold: 0.35,
			EmitGrowth:     1.15,
			DecayFactor:    0.5,
		},
		Outbox: Outbox{
			PollInterval: Duration(time.Second),
			BaseDelay:    Duration(time.Second),
			MaxDelay:     Duration(60 * time.Second),
		},
	}
}

// Load reads path over the defaults. ".yaml"/".yml" decode as YAML and
// ".toml" as TOML; unknown keys are rejected in both. The result is
// validated.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Validate checks agent and tool entries.
func (f *File) Validate() error {
	seenRole := map[string]bool{}
	for i, a := range f.Agents {
		role, err := protocol.ParseRole(a.Role)
		if err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if !role.IsAgent() {
			return fmt.Errorf("agents[%d]: role %s is not an agent", i, role)
		}
		if seenRole[a.Role] {
			return fmt.Errorf("agents[%d]: duplicate role %s", i, a.Role)
		}
		seenRole[a.Role] = true
		if (len(a.Command) == 0) == (len(a.Script) == 0) {
			return fmt.Errorf("agents[%d]: set exactly one of command or script", i)
		}
	}
	seenTool := map[string]bool{}
	for i, t := range f.Tools {
		if t.Name == "" || len(t.Command) == 0 {
			return fmt.Errorf("tools[%d]: name and command are required", i)
		}
		if seenTool[t.Name] {
			return fmt.Errorf("tools[%d]: duplicate name %s", i, t.Name)
		}
		seenTool[t.Name] = true
	}
	if f.Trigger.EmitGrowth != 0 && f.Trigger.EmitGrowth < 1 {
		return fmt.Errorf("trigger: emit_growth %.2f must be >= 1", f.Trigger.EmitGrowth)
	}
	if f.Trigger.DecayFactor < 0 || f.Trigger.DecayFactor > 1 {
		return fmt.Errorf("trigger: decay_factor %.2f must be within [0,1]", f.Trigger.DecayFactor)
	}
	if f.Trigger.DeltaThreshold < 0 {
		return fmt.Errorf("trigger: delta_threshold %.2f must be >= 0", f.Trigger.DeltaThreshold)
	}
	for key, d := range map[string]Duration{
		"loop.turn_pause":     f.Loop.TurnPause,
		"loop.user_cooldown":  f.Loop.UserCooldown,
		"trigger.min_silence": f.Trigger.MinSilence,
	} {
		if d < 0 {
			return fmt.Errorf("%s: %s must not be negative", key, d.Std())
		}
	}
	return nil
}

// explicitZero maps a zero read from the file onto the negative value the
// runtime configs take as "zero" rather than "default". Load starts from
// Default, so a zero here was written by the operator.
func explicitZero[T ~int64 | ~float64](v T) T {
	if v == 0 {
		return -1
	}
	return v
}

// Orchestrator maps the file onto an orchestrator.Config. InputPath is left
// for the caller, which resolves it through Paths.
func (f *File) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Tick:                f.Loop.Tick.Std(),
		TurnPause:           explicitZero(f.Loop.TurnPause.Std()),
		MaintenanceInterval: f.Loop.MaintenanceInterval.Std(),
		CompactThreshold:    f.Loop.CompactThreshold,
		SummaryLimit:        f.Loop.SummaryLimit,
		BufferSize:          f.Loop.BufferSize,
		RecentEvents:        f.Loop.RecentEvents,
		Budget:              protocol.Budget{MaxTokens: f.Turn.MaxTokens, Timeout: f.Turn.Timeout.Std()},
		UserCooldown:        explicitZero(f.Loop.UserCooldown.Std()),
		Trigger: policy.TriggerConfig{
			MaxLatency:     f.Trigger.MaxLatency.Std(),
			MinSilence:     explicitZero(f.Trigger.MinSilence.Std()),
			DeltaThreshold: explicitZero(f.Trigger.DeltaThreshold),
			EmitGrowth:     f.Trigger.EmitGrowth,
			DecayFactor:    explicitZero(f.Trigger.DecayFactor),
		},
		Duration:      f.Duration.Std(),
		ToolStopGrace: f.Loop.ToolStopGrace.Std(),
	}
}

// OutboxConfig maps the file onto an outbox.Config rooted at dir.
func (f *File) OutboxConfig(dir string) outbox.Config {
	return outbox.Config{
		Dir:          dir,
		PollInterval: f.Outbox.PollInterval.Std(),
		BaseDelay:    f.Outbox.BaseDelay.Std(),
		MaxDelay:     f.Outbox.MaxDelay.Std(),
	}
}
