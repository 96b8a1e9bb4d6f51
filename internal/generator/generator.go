// Package generator implements the Generator (C9): it builds the Task tree
// from configuration, applies Command Plugins, and drives execution through
// the Task Runner.
package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"shadowdog/internal/config"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/logging"
	"shadowdog/internal/model"
	"shadowdog/internal/plugins"
	"shadowdog/internal/resolver"
	"shadowdog/internal/runner"
	"shadowdog/internal/supervisor"
)

// ArtifactUnavailableError is raised when a declared artifact is not ready
// (missing, unreadable, or empty) after the post-command retry window.
type ArtifactUnavailableError struct {
	Output string
}

func (e *ArtifactUnavailableError) Error() string {
	return fmt.Sprintf("artifact unavailable: %s", e.Output)
}

// Options configure a single Generate call.
type Options struct {
	ProjectRoot     string
	ContinueOnError bool

	// Middlewares are applied to every Command, in order, ahead of the
	// terminal Process Supervisor call.
	Middlewares []runner.Middleware

	// ChangedFilePath, when set, is substituted into $FILE and threaded
	// into the Task Runner context for the middlewares that want it (e.g.
	// the notification side channel).
	ChangedFilePath string

	// RetryMaxAttempts/RetryInterval configure the artifact-readiness
	// verification loop; defaults are 50 attempts at 100ms (≈5s total),
	// overridable via SHADOWDOG_ARTIFACT_WAIT_MAX_RETRIES.
	RetryMaxAttempts int
	RetryInterval    time.Duration

	// OnSpawn, when set, is invoked with the supervisor.Handle of every
	// process this Generate call starts, letting a caller (the Daemon)
	// track pending processes for supersession.
	OnSpawn func(supervisor.Handle)
}

// Generator drives one or more Task-tree walks against a project root.
type Generator struct {
	Bus *eventbus.Bus
}

// New creates a Generator bound to bus.
func New(bus *eventbus.Bus) *Generator {
	return &Generator{Bus: bus}
}

// BuildTree constructs the top-level Parallel tree from watchers and applies
// the configured plugins. projectRoot is the base every Watcher's glob
// patterns are resolved against (C2): each Watcher's watched files and
// invalidator files are expanded, ignore-filtered, and lexicographically
// sorted by the File Resolver before a single Task sees them, so every
// downstream consumer of ctx.Files (the dependency-layering plugin, the
// Cache Middlewares, the Lock File Writer) observes the same resolved set.
//
// preserveNonexistent=true is used for the watched-file resolution so that a
// literal (non-glob) path naming another Command's not-yet-built artifact
// still produces an edge for the dependency-layering plugin (§4.2).
func BuildTree(projectRoot string, watchers []model.Watcher, pluginConfigs []config.PluginConfig) (model.Task, error) {
	r := resolver.New(projectRoot)

	var perWatcher []model.Task
	for _, w := range watchers {
		files, err := r.Resolve(w.Files, w.Ignored, true)
		if err != nil {
			return model.Task{}, fmt.Errorf("resolving watcher %q files: %w", w.Label, err)
		}
		invalidatorFiles, err := r.Resolve(w.InvalidatorFiles, w.Ignored, true)
		if err != nil {
			return model.Task{}, fmt.Errorf("resolving watcher %q invalidators: %w", w.Label, err)
		}

		var cmdTasks []model.Task
		for _, c := range w.Commands {
			cmdTasks = append(cmdTasks, model.CommandTask(c, files, invalidatorFiles, w.InvalidatorEnvNames, w.Label))
		}
		if len(cmdTasks) > 0 {
			perWatcher = append(perWatcher, model.Parallel(cmdTasks...))
		}
	}

	tree := model.Parallel(perWatcher...)

	transforms, err := plugins.Build(pluginConfigs)
	if err != nil {
		return model.Task{}, err
	}

	return plugins.Apply(tree, transforms)
}

// Generate walks tree, executing every Command through the Task Runner.
// Parallel children run concurrently; Serial children run in order. When
// opts.ContinueOnError is false, the first error aborts the whole walk;
// otherwise each Command's failure is recorded via the `error` event and the
// walk continues.
func (g *Generator) Generate(ctx context.Context, tree model.Task, opts Options) error {
	if opts.RetryMaxAttempts == 0 {
		opts.RetryMaxAttempts = retryMaxAttemptsFromEnv()
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}

	g.Bus.Emit(eventbus.GenerateStarted, nil)
	err := g.walk(ctx, tree, opts)
	g.Bus.Emit(eventbus.AllTasksComplete, nil)
	return err
}

func retryMaxAttemptsFromEnv() int {
	if v := os.Getenv("SHADOWDOG_ARTIFACT_WAIT_MAX_RETRIES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func (g *Generator) walk(ctx context.Context, t model.Task, opts Options) error {
	switch t.Kind {
	case model.KindEmpty:
		return nil

	case model.KindCommand:
		return g.runCommand(ctx, t, opts)

	case model.KindSerial:
		for _, child := range t.Children {
			if err := g.walk(ctx, child, opts); err != nil {
				if !opts.ContinueOnError {
					return err
				}
			}
		}
		return nil

	case model.KindParallel:
		var wg sync.WaitGroup
		errs := make([]error, len(t.Children))
		for i, child := range t.Children {
			wg.Add(1)
			go func(i int, child model.Task) {
				defer wg.Done()
				errs[i] = g.walk(ctx, child, opts)
			}(i, child)
		}
		wg.Wait()

		if !opts.ContinueOnError {
			for _, e := range errs {
				if e != nil {
					return e
				}
			}
		}
		return nil
	}
	return fmt.Errorf("unknown task kind %d", t.Kind)
}

func (g *Generator) runCommand(ctx context.Context, t model.Task, opts Options) error {
	artifactOutputs := outputsOf(t.Cmd)
	log := logging.WithWatcher(t.Watcher)

	g.Bus.Emit(eventbus.Begin, eventbus.ArtifactsPayload{Artifacts: artifactOutputs})

	// Force a fresh build: delete any pre-existing artifact paths so SHA
	// verification in the cache middlewares cannot match stale identical
	// content by accident. The artifact's parent directories are created so
	// the command can write its output there.
	for _, a := range t.Cmd.Artifacts {
		p := filepath.Join(opts.ProjectRoot, a.Output)
		_ = os.RemoveAll(p)
		_ = os.MkdirAll(filepath.Dir(p), 0755)
	}

	rc := &runner.Context{
		Context:          ctx,
		Files:            t.Files,
		InvalidatorFiles: t.InvalidatorFiles,
		EnvironmentNames: t.EnvNames,
		Command:          t.Cmd,
		EventBus:         g.Bus,
		ChangedFilePath:  opts.ChangedFilePath,
		Options:          map[string]any{"projectRoot": opts.ProjectRoot},
	}
	if opts.OnSpawn != nil {
		rc.Options["onSpawn"] = opts.OnSpawn
	}

	log.Info().Strs("artifacts", artifactOutputs).Msg("running command")

	chain := runner.Chain{
		Middlewares: opts.Middlewares,
		Terminal:    terminalExecutor(opts.ProjectRoot),
	}

	if err := chain.Run(ctx, rc); err != nil {
		g.Bus.Emit(eventbus.Error, eventbus.ErrorPayload{Artifacts: artifactOutputs, Message: err.Error()})
		return err
	}

	if !rc.Aborted() {
		if err := waitForArtifactReadiness(opts.ProjectRoot, t.Cmd.Artifacts, opts.RetryMaxAttempts, opts.RetryInterval); err != nil {
			g.Bus.Emit(eventbus.Error, eventbus.ErrorPayload{Artifacts: artifactOutputs, Message: err.Error()})
			return err
		}
	}

	g.Bus.Emit(eventbus.End, eventbus.ArtifactsPayload{Artifacts: artifactOutputs})
	return nil
}

func terminalExecutor(projectRoot string) runner.Terminal {
	return func(rc *runner.Context) error {
		cwd := filepath.Join(projectRoot, rc.Command.WorkingDirectory)

		var onSpawn func(supervisor.Handle)
		if fn, ok := rc.Options["onSpawn"].(func(supervisor.Handle)); ok {
			onSpawn = fn
		}

		_, err := supervisor.Run(rc.Context, supervisor.Options{
			Command:         rc.Command.Run,
			WorkingDir:      cwd,
			ChangedFilePath: rc.ChangedFilePath,
			OnSpawn:         onSpawn,
		})
		return err
	}
}

func outputsOf(cmd model.Command) []string {
	out := make([]string, 0, len(cmd.Artifacts))
	for _, a := range cmd.Artifacts {
		out = append(out, a.Output)
	}
	return out
}

// waitForArtifactReadiness polls every declared artifact until it exists,
// is readable, and (for files) is non-empty, retrying up to maxAttempts
// times at interval. A 0-byte file counts as not readable.
func waitForArtifactReadiness(projectRoot string, artifacts []model.Artifact, maxAttempts int, interval time.Duration) error {
	for _, a := range artifacts {
		path := filepath.Join(projectRoot, a.Output)
		if err := waitForOne(path, maxAttempts, interval); err != nil {
			return &ArtifactUnavailableError{Output: a.Output}
		}
	}
	return nil
}

func waitForOne(path string, maxAttempts int, interval time.Duration) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() || info.Size() > 0 {
				return nil
			}
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("artifact not ready: %s", path)
}
