package config

import (
	"fmt"
	"os"
	"path/filepath"

	"chorus/pkg/protocol"
)

// Paths holds resolved chorus state locations.
type Paths struct {
	Home       string // ~/.chorus or CHORUS_HOME
	ConfigPath string // first of config.yaml, config.yml, config.toml found in Home
	LogPath    string // events.jsonl or CHORUS_LOG_PATH
	InputPath  string // input.jsonl or CHORUS_INPUT_PATH
	OutboxDir  string // outbox/ or CHORUS_OUTBOX_DIR
	IndexDB    string // index.db or CHORUS_INDEX_DB
}

// ResolvePaths returns the default state paths with environment overrides.
//
//   - CHORUS_HOME: base directory (default ~/.chorus)
//   - CHORUS_LOG_PATH, CHORUS_INPUT_PATH, CHORUS_OUTBOX_DIR, CHORUS_INDEX_DB:
//     override a single path regardless of CHORUS_HOME
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		ConfigPath: findConfig(home),
		LogPath:    resolvePathWithEnv("CHORUS_LOG_PATH", home, protocol.LogFile),
		InputPath:  resolvePathWithEnv("CHORUS_INPUT_PATH", home, protocol.InputFile),
		OutboxDir:  resolvePathWithEnv("CHORUS_OUTBOX_DIR", home, protocol.OutboxDir),
		IndexDB:    resolvePathWithEnv("CHORUS_INDEX_DB", home, protocol.IndexFile),
	}, nil
}

// Apply lets a config file relocate paths. Environment overrides still win.
func (p *Paths) Apply(f *File) {
	set := func(dst *string, env, v string) {
		if v != "" && os.Getenv(env) == "" {
			*dst = v
		}
	}
	set(&p.LogPath, "CHORUS_LOG_PATH", f.LogPath)
	set(&p.InputPath, "CHORUS_INPUT_PATH", f.InputPath)
	set(&p.OutboxDir, "CHORUS_OUTBOX_DIR", f.OutboxDir)
	set(&p.IndexDB, "CHORUS_INDEX_DB", f.IndexDB)
}

func resolveHome() (string, error) {
	if v := os.Getenv("CHORUS_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ChorusDir), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

func findConfig(home string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
