// Package config loads and validates the JSON configuration that describes
// watchers, commands, and artifacts.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

const (
	// DefaultDebounceTime is the debounce interval applied when debounceTime
	// is absent from configuration.
	DefaultDebounceTime = 2000

	// DefaultPort is the RPC listener's default port.
	DefaultPort = 8473

	// DefaultHost is the RPC listener's default host.
	DefaultHost = "localhost"

	// DefaultConfigFileName is the config file name resolved relative to the
	// project root when --config is not provided.
	DefaultConfigFileName = "shadowdog.json"
)

// DefaultIgnoredFiles is applied to every watcher unless overridden.
var DefaultIgnoredFiles = []string{".git", "**/node_modules"}

// Config is the top-level configuration document.
type Config struct {
	Schema              string           `json:"$schema,omitempty"`
	DebounceTime        *int             `json:"debounceTime,omitempty"`
	DefaultIgnoredFiles []string         `json:"defaultIgnoredFiles,omitempty"`
	Plugins             []PluginConfig   `json:"plugins,omitempty"`
	Watchers            []WatcherConfig  `json:"watchers"`
}

// PluginConfig is a tagged option object: {"name": ..., "options": {...}}.
type PluginConfig struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Invalidators lists additional cache-key inputs that are not watched.
type Invalidators struct {
	Files       []string `json:"files,omitempty"`
	Environment []string `json:"environment,omitempty"`
}

// WatcherConfig is one watcher entry in the configuration.
type WatcherConfig struct {
	Enabled      *bool            `json:"enabled,omitempty"`
	Files        []string         `json:"files"`
	Invalidators Invalidators     `json:"invalidators,omitempty"`
	Ignored      []string         `json:"ignored,omitempty"`
	Label        string           `json:"label,omitempty"`
	Commands     []CommandConfig  `json:"commands"`
}

// CommandConfig is one command entry within a watcher.
type CommandConfig struct {
	Command          string           `json:"command"`
	WorkingDirectory string           `json:"workingDirectory,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	Artifacts        []ArtifactConfig `json:"artifacts,omitempty"`
}

// ArtifactConfig is one declared output of a command.
type ArtifactConfig struct {
	Output      string   `json:"output"`
	Description string   `json:"description,omitempty"`
	Ignore      []string `json:"ignore,omitempty"`
}

// Load reads, strictly decodes, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse strictly decodes and validates config document bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("parsing configuration: %s", err)}
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InvalidError is the ConfigInvalid error from the §7 taxonomy.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.DebounceTime == nil {
		d := DefaultDebounceTime
		c.DebounceTime = &d
	}
	if *c.DebounceTime < 0 {
		return &InvalidError{Reason: "debounceTime must be >= 0"}
	}

	if c.DefaultIgnoredFiles == nil {
		c.DefaultIgnoredFiles = append([]string{}, DefaultIgnoredFiles...)
	}

	if len(c.Watchers) == 0 {
		return &InvalidError{Reason: "at least one watcher is required"}
	}

	for wi := range c.Watchers {
		w := &c.Watchers[wi]
		if w.Enabled == nil {
			t := true
			w.Enabled = &t
		}
		if len(w.Files) == 0 {
			return &InvalidError{Reason: fmt.Sprintf("watcher[%d]: files is required", wi)}
		}
		if len(w.Commands) == 0 {
			return &InvalidError{Reason: fmt.Sprintf("watcher[%d]: commands is required", wi)}
		}
		for ci := range w.Commands {
			cmd := &w.Commands[ci]
			if cmd.Command == "" {
				return &InvalidError{Reason: fmt.Sprintf("watcher[%d].commands[%d]: command is required", wi, ci)}
			}
			for ai := range cmd.Artifacts {
				if cmd.Artifacts[ai].Output == "" {
					return &InvalidError{Reason: fmt.Sprintf("watcher[%d].commands[%d].artifacts[%d]: output is required", wi, ci, ai)}
				}
			}
		}
	}

	return nil
}

// IsEnabled reports whether the watcher is active (default true).
func (w WatcherConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}
