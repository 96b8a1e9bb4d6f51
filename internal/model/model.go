// Package model defines the runtime domain types derived from configuration:
// Artifact, Command, Watcher, and the recursive Task sum type that the
// Generator builds and Command Plugins rewrite.
package model

import (
	"path/filepath"

	"shadowdog/internal/config"
)

// Artifact is a declared output of a Command.
type Artifact struct {
	// Output is relative to the project root; never absolute in persisted
	// state.
	Output      string
	Description string
	Ignore      []string
}

// Command is an opaque shell invocation bound to a working directory, a set
// of tags, and the artifacts it is expected to produce.
type Command struct {
	Run              string
	WorkingDirectory string
	Tags             []string
	Artifacts        []Artifact

	// WatcherIndex/CommandIndex record the Command's position in the
	// declared configuration order.
	WatcherIndex int
	CommandIndex int
}

// Watcher is a unit of cache-key scope: every Command in a Watcher shares
// the same resolved file set.
type Watcher struct {
	// Index is the Watcher's position in the declared configuration,
	// stable across a config reload that keeps the same watcher count and
	// order. Unlike Label (optional, and not necessarily unique), it is
	// always a safe map key for per-Watcher daemon state.
	Index               int
	Label               string
	Files               []string
	InvalidatorFiles    []string
	InvalidatorEnvNames []string
	Ignored             []string
	Commands            []Command
}

// Kind discriminates the Task sum type.
type Kind int

const (
	KindCommand Kind = iota
	KindParallel
	KindSerial
	KindEmpty
)

// Task is the sum type Command | Parallel | Serial | Empty.
//
// Exactly one of the following is meaningful for a given Kind:
//   - KindCommand: Cmd, Files, InvalidatorFiles, EnvNames, Watcher are set.
//   - KindParallel/KindSerial: Children is set.
//   - KindEmpty: nothing else is set.
type Task struct {
	Kind Kind

	// Populated when Kind == KindCommand.
	Cmd              Command
	Files            []string // resolved, watched input files for the owning Watcher
	InvalidatorFiles []string // resolved, unwatched files that still participate in the cache key
	EnvNames         []string // resolved invalidator env names for the owning Watcher
	Watcher          string   // owning Watcher's label, for diagnostics

	// Populated when Kind == KindParallel or KindSerial.
	Children []Task
}

// Empty is the identity element produced by plugins that prune.
func Empty() Task { return Task{Kind: KindEmpty} }

// Parallel builds a Parallel task from children.
func Parallel(children ...Task) Task {
	return Task{Kind: KindParallel, Children: children}
}

// Serial builds a Serial task from children.
func Serial(children ...Task) Task {
	return Task{Kind: KindSerial, Children: children}
}

// CommandTask builds a leaf Command task.
func CommandTask(cmd Command, files, invalidatorFiles, envNames []string, watcherLabel string) Task {
	return Task{
		Kind:             KindCommand,
		Cmd:              cmd,
		Files:            files,
		InvalidatorFiles: invalidatorFiles,
		EnvNames:         envNames,
		Watcher:          watcherLabel,
	}
}

// Artifacts returns every Artifact reachable from t, in tree order.
func (t Task) Artifacts() []Artifact {
	var out []Artifact
	var walk func(Task)
	walk = func(n Task) {
		switch n.Kind {
		case KindCommand:
			out = append(out, n.Cmd.Artifacts...)
		case KindParallel, KindSerial:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(t)
	return out
}

// Commands returns every Command leaf reachable from t, in tree order.
func (t Task) Commands() []Command {
	var out []Command
	var walk func(Task)
	walk = func(n Task) {
		switch n.Kind {
		case KindCommand:
			out = append(out, n.Cmd)
		case KindParallel, KindSerial:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(t)
	return out
}

// FromConfig converts validated configuration into runtime Watcher values.
func FromConfig(cfg *config.Config) []Watcher {
	watchers := make([]Watcher, 0, len(cfg.Watchers))
	for wi, wc := range cfg.Watchers {
		if !wc.IsEnabled() {
			continue
		}

		w := Watcher{
			Index:               wi,
			Label:               wc.Label,
			Files:               wc.Files,
			InvalidatorFiles:    wc.Invalidators.Files,
			InvalidatorEnvNames: wc.Invalidators.Environment,
			Ignored:             append(append([]string{}, cfg.DefaultIgnoredFiles...), wc.Ignored...),
		}

		for ci, cc := range wc.Commands {
			cmd := Command{
				Run:              cc.Command,
				WorkingDirectory: cc.WorkingDirectory,
				Tags:             cc.Tags,
				WatcherIndex:     wi,
				CommandIndex:     ci,
			}
			if cmd.WorkingDirectory == "" {
				cmd.WorkingDirectory = "."
			}
			for _, ac := range cc.Artifacts {
				cmd.Artifacts = append(cmd.Artifacts, Artifact{
					Output:      filepath.ToSlash(ac.Output),
					Description: ac.Description,
					Ignore:      ac.Ignore,
				})
			}
			w.Commands = append(w.Commands, cmd)
		}

		watchers = append(watchers, w)
	}
	return watchers
}
