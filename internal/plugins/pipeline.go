package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"

	"shadowdog/internal/config"
	"shadowdog/internal/model"
)

// Transform is a pure Task -> Task (or failing) rewrite, applied left to
// right over the configured plugin list.
type Transform func(model.Task) (model.Task, error)

// TagFilterOptions configures the tag-filter plugin.
type TagFilterOptions struct {
	EnvVar string `json:"envVar"`
}

// CommandFusionOptions configures the command-fusion plugin (currently
// parameterless; declared for forward compatibility and strict decoding).
type CommandFusionOptions struct{}

// DependencyLayeringOptions configures the dependency-layering plugin
// (currently parameterless).
type DependencyLayeringOptions struct{}

const (
	NameTagFilter          = "tagFilter"
	NameCommandFusion       = "commandFusion"
	NameDependencyLayering  = "dependencyLayering"
)

// Build decodes the ordered plugin configuration into a list of Transforms.
// Unknown plugin names are rejected as a ConfigInvalid error rather than
// silently ignored.
func Build(plugins []config.PluginConfig) ([]Transform, error) {
	out := make([]Transform, 0, len(plugins))
	for _, p := range plugins {
		switch p.Name {
		case NameTagFilter:
			var opts TagFilterOptions
			if len(p.Options) > 0 {
				if err := strictDecode(p.Options, &opts); err != nil {
					return nil, fmt.Errorf("plugin %q: %w", p.Name, err)
				}
			}
			if opts.EnvVar == "" {
				opts.EnvVar = "SHADOWDOG_TAG"
			}
			fn := TagFilter(opts.EnvVar)
			out = append(out, func(t model.Task) (model.Task, error) { return fn(t), nil })

		case NameCommandFusion:
			if len(p.Options) > 0 {
				if err := strictDecode(p.Options, &CommandFusionOptions{}); err != nil {
					return nil, fmt.Errorf("plugin %q: %w", p.Name, err)
				}
			}
			fn := CommandFusion()
			out = append(out, func(t model.Task) (model.Task, error) { return fn(t), nil })

		case NameDependencyLayering:
			if len(p.Options) > 0 {
				if err := strictDecode(p.Options, &DependencyLayeringOptions{}); err != nil {
					return nil, fmt.Errorf("plugin %q: %w", p.Name, err)
				}
			}
			fn := DependencyLayering()
			out = append(out, fn)

		default:
			return nil, &config.InvalidError{Reason: fmt.Sprintf("unknown plugin %q", p.Name)}
		}
	}
	return out, nil
}

// Apply runs every transform in order, short-circuiting on the first error
// (a cycle, typically).
func Apply(t model.Task, transforms []Transform) (model.Task, error) {
	cur := t
	for _, fn := range transforms {
		next, err := fn(cur)
		if err != nil {
			return model.Task{}, err
		}
		cur = next
	}
	return cur, nil
}

func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
