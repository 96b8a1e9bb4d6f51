// Package daemon implements the Daemon/Watcher (C10): filesystem watching
// with per-Watcher debounce, supersession of in-flight runs, pause/resume,
// RPC-triggered computation, and config hot-reload.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"shadowdog/internal/config"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/generator"
	"shadowdog/internal/lockfile"
	"shadowdog/internal/logging"
	"shadowdog/internal/model"
	"shadowdog/internal/notify"
	"shadowdog/internal/runner"
	"shadowdog/internal/supervisor"
)

// MiddlewareFactory builds the Cache Middlewares fresh for each Generate
// call, so environment-variable kill switches are re-read per invocation
// rather than cached across the daemon's lifetime.
type MiddlewareFactory func() []runner.Middleware

// Daemon owns the active watchers and the pending-process list exclusively;
// no other component mutates them.
type Daemon struct {
	ProjectRoot  string
	ConfigPath   string
	Bus          *eventbus.Bus
	LockWriter   *lockfile.Writer
	Notifier     *notify.Notifier
	Middlewares  MiddlewareFactory

	// InstanceID identifies this daemon process uniquely across restarts;
	// surfaced through get_status for RPC callers correlating log lines
	// across a reload.
	InstanceID string

	mu              sync.Mutex
	cfg             *config.Config
	watchers        []model.Watcher
	fsWatcher       *fsnotify.Watcher
	configWatcher   *fsnotify.Watcher
	paused          bool
	pendingChanges  map[string]struct{}
	pendingHandles  map[int][]supervisor.Handle // keyed by model.Watcher.Index
	debounceTimers  map[int]*time.Timer

	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// New constructs a Daemon bound to an already-validated configuration and
// subscribes its daemon-level event-bus handlers (pause, resume, compute).
func New(projectRoot, configPath string, cfg *config.Config, bus *eventbus.Bus, lw *lockfile.Writer, notifier *notify.Notifier, mwFactory MiddlewareFactory) *Daemon {
	d := &Daemon{
		ProjectRoot:    projectRoot,
		ConfigPath:     configPath,
		Bus:            bus,
		LockWriter:     lw,
		Notifier:       notifier,
		Middlewares:    mwFactory,
		InstanceID:     uuid.New().String(),
		cfg:            cfg,
		watchers:       model.FromConfig(cfg),
		pendingChanges: make(map[string]struct{}),
		pendingHandles: make(map[int][]supervisor.Handle),
		debounceTimers: make(map[int]*time.Timer),
		stopCh:         make(chan struct{}),
	}
	d.subscribeBusHandlers()
	return d
}

// Start begins watching every enabled Watcher's files and the configuration
// file, and blocks until Stop is called or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	logger := logging.WithComponent("daemon")
	logger.Info().Str("instanceId", d.InstanceID).Msg("starting")

	if err := d.rebuildWatches(); err != nil {
		return fmt.Errorf("starting filesystem watches: %w", err)
	}

	if err := d.watchConfigFile(); err != nil {
		logger := logging.WithComponent("daemon")
		logger.Warn().Err(err).Msg("config hot-reload watch unavailable")
	}

	d.Bus.Emit(eventbus.Initialized, nil)
	d.Notifier.Send(notify.Event{Type: notify.Initialized})

	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop performs idempotent shutdown: emits exit, kills any remaining
// processes, and closes the fsnotify watchers.
func (d *Daemon) Stop() {
	d.shutdownOnce.Do(func() {
		close(d.stopCh)
		d.Bus.Emit(eventbus.Exit, nil)
		d.killAllPending()

		d.mu.Lock()
		if d.fsWatcher != nil {
			_ = d.fsWatcher.Close()
		}
		if d.configWatcher != nil {
			_ = d.configWatcher.Close()
		}
		d.mu.Unlock()
	})
}

func (d *Daemon) subscribeBusHandlers() {
	d.Bus.Subscribe(eventbus.Pause, func(any) { d.setPaused(true) })
	d.Bus.Subscribe(eventbus.Resume, func(any) { d.resume() })
	d.Bus.Subscribe(eventbus.ComputeArtifact, func(p any) {
		if payload, ok := p.(eventbus.ComputeArtifactPayload); ok {
			d.computeArtifact(payload.Output)
		}
	})
	d.Bus.Subscribe(eventbus.ComputeAllArtifacts, func(any) { d.computeAll() })
}

func (d *Daemon) setPaused(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = v
}

func (d *Daemon) isPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// resume replays pending-change paths by touching their modification times
// so they re-enter the watch pipeline, then clears the pending set.
func (d *Daemon) resume() {
	d.mu.Lock()
	d.paused = false
	paths := make([]string, 0, len(d.pendingChanges))
	for p := range d.pendingChanges {
		paths = append(paths, p)
	}
	d.pendingChanges = make(map[string]struct{})
	d.mu.Unlock()

	now := time.Now()
	for _, p := range paths {
		_ = os.Chtimes(p, now, now)
	}
}

func (d *Daemon) rebuildWatches() error {
	d.mu.Lock()
	if d.fsWatcher != nil {
		_ = d.fsWatcher.Close()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.fsWatcher = fw
	watchers := d.watchers
	d.mu.Unlock()

	for _, w := range watchers {
		for _, pattern := range w.Files {
			dir := globDir(d.ProjectRoot, pattern)
			if err := addRecursive(fw, dir); err != nil {
				logger := logging.WithComponent("daemon")
				logger.Warn().Err(err).Str("dir", dir).Msg("failed to watch directory")
			}
		}
	}

	go d.watchLoop(fw)
	return nil
}

func globDir(root, pattern string) string {
	full := pattern
	if !filepath.IsAbs(pattern) {
		full = filepath.Join(root, pattern)
	}
	idx := -1
	for i, c := range full {
		if c == '*' || c == '?' || c == '[' {
			idx = i
			break
		}
	}
	if idx < 0 {
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			return full
		}
		return filepath.Dir(full)
	}
	return filepath.Dir(full[:idx])
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.Add(filepath.Dir(root))
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

func (d *Daemon) watchLoop(fw *fsnotify.Watcher) {
	for {
		select {
		case <-d.stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			d.handleFsEvent(event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger := logging.WithComponent("daemon")
			logger.Warn().Err(err).Msg("filesystem watch error")
		}
	}
}

func (d *Daemon) handleFsEvent(event fsnotify.Event) {
	rel := toProjectRel(d.ProjectRoot, event.Name)

	watcher, ok := d.watcherOwning(rel)
	if !ok {
		return
	}

	if d.isPaused() {
		d.mu.Lock()
		d.pendingChanges[event.Name] = struct{}{}
		d.mu.Unlock()
		return
	}

	d.debounce(watcher.Index, d.debounceInterval(), func() {
		d.runWatcher(context.Background(), watcher, event.Name, allOutputs(watcher))
	})
}

func (d *Daemon) debounceInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.DebounceTime != nil {
		return time.Duration(*d.cfg.DebounceTime) * time.Millisecond
	}
	return time.Duration(config.DefaultDebounceTime) * time.Millisecond
}

func (d *Daemon) debounce(key int, interval time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.debounceTimers[key]; ok {
		t.Stop()
	}
	d.debounceTimers[key] = time.AfterFunc(interval, fn)
}

func (d *Daemon) watcherOwning(relPath string) (model.Watcher, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.watchers {
		for _, f := range w.Files {
			if matchesGlobOrPrefix(f, relPath) {
				return w, true
			}
		}
	}
	return model.Watcher{}, false
}

func matchesGlobOrPrefix(pattern, rel string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	return filepath.Dir(pattern) == filepath.Dir(rel) || rel == pattern
}

func toProjectRel(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func allOutputs(w model.Watcher) []string {
	var out []string
	for _, c := range w.Commands {
		for _, a := range c.Artifacts {
			out = append(out, a.Output)
		}
	}
	return out
}

// runWatcher implements the per-event handler contract of §4.10 steps 2-3:
// kill all pending supervised processes for this Watcher, then for every
// Command emit begin/end/error by driving the Task Runner.
func (d *Daemon) runWatcher(ctx context.Context, w model.Watcher, changedFile string, onlyOutputs []string) {
	d.killPending(w.Index)

	tree, err := generator.BuildTree(d.ProjectRoot, []model.Watcher{w}, d.cfgPlugins())
	if err != nil {
		logger := logging.WithComponent("daemon")
		logger.Error().Err(err).Msg("failed to build task tree")
		return
	}

	if len(onlyOutputs) > 0 {
		tree = filterTreeToOutputs(tree, onlyOutputs)
	}

	gen := generator.New(d.Bus)
	opts := generator.Options{
		ProjectRoot:     d.ProjectRoot,
		ContinueOnError: true,
		Middlewares:     d.Middlewares(),
		ChangedFilePath: changedFile,
		OnSpawn: func(h supervisor.Handle) {
			d.mu.Lock()
			d.pendingHandles[w.Index] = append(d.pendingHandles[w.Index], h)
			d.mu.Unlock()
		},
	}

	d.LockWriter.RecordBegin(allArtifactOutputs(tree))
	_ = gen.Generate(ctx, tree, opts)
	d.LockWriter.RecordEnd(allArtifactOutputs(tree))
	_ = d.LockWriter.Rebuild(d.watchers)
}

func allArtifactOutputs(t model.Task) []string {
	out := make([]string, 0)
	for _, a := range t.Artifacts() {
		out = append(out, a.Output)
	}
	return out
}

func (d *Daemon) cfgPlugins() []config.PluginConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Plugins
}

// Status is the get_status RPC response payload.
type Status struct {
	InstanceID   string   `json:"instanceId"`
	Paused       bool     `json:"paused"`
	WatcherCount int      `json:"watcherCount"`
	Watchers     []string `json:"watchers"`
}

// Status reports the daemon's current lifecycle state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	labels := make([]string, 0, len(d.watchers))
	for _, w := range d.watchers {
		labels = append(labels, w.Label)
	}
	return Status{InstanceID: d.InstanceID, Paused: d.paused, WatcherCount: len(d.watchers), Watchers: labels}
}

// Artifacts lists every declared artifact output across every Watcher.
func (d *Daemon) Artifacts() []string {
	d.mu.Lock()
	watchers := d.watchers
	d.mu.Unlock()

	var out []string
	for _, w := range watchers {
		out = append(out, allOutputs(w)...)
	}
	return out
}

func filterTreeToOutputs(t model.Task, outputs []string) model.Task {
	want := make(map[string]struct{}, len(outputs))
	for _, o := range outputs {
		want[o] = struct{}{}
	}

	var filterCmd func(model.Task) model.Task
	filterCmd = func(n model.Task) model.Task {
		switch n.Kind {
		case model.KindCommand:
			for _, a := range n.Cmd.Artifacts {
				if _, ok := want[a.Output]; ok {
					return n
				}
			}
			return model.Empty()
		case model.KindParallel, model.KindSerial:
			var kept []model.Task
			for _, c := range n.Children {
				rc := filterCmd(c)
				if rc.Kind != model.KindEmpty {
					kept = append(kept, rc)
				}
			}
			if len(kept) == 0 {
				return model.Empty()
			}
			if n.Kind == model.KindParallel {
				return model.Parallel(kept...)
			}
			return model.Serial(kept...)
		default:
			return n
		}
	}
	return filterCmd(t)
}

// killPending kills every process this Watcher currently has in flight.
func (d *Daemon) killPending(watcherIndex int) {
	d.mu.Lock()
	handles := d.pendingHandles[watcherIndex]
	delete(d.pendingHandles, watcherIndex)
	d.mu.Unlock()

	for _, h := range handles {
		h.Kill()
	}
}

func (d *Daemon) killAllPending() {
	d.mu.Lock()
	all := d.pendingHandles
	d.pendingHandles = make(map[int][]supervisor.Handle)
	d.mu.Unlock()

	for _, handles := range all {
		for _, h := range handles {
			h.Kill()
		}
	}
}

// computeArtifact resolves the Watcher/Command owning output and runs the
// same pipeline with an artifact list containing just that single artifact.
// It honors the paused flag: while paused, this is a no-op that only logs.
func (d *Daemon) computeArtifact(output string) {
	if d.isPaused() {
		logger := logging.WithComponent("daemon")
		logger.Info().Str("output", output).Msg("compute_artifact ignored: daemon paused")
		return
	}

	d.mu.Lock()
	watchers := d.watchers
	d.mu.Unlock()

	for _, w := range watchers {
		for _, c := range w.Commands {
			for _, a := range c.Artifacts {
				if a.Output == output {
					d.runWatcher(context.Background(), w, "", []string{output})
					return
				}
			}
		}
	}
	logger := logging.WithComponent("daemon")
	logger.Warn().Str("output", output).Msg("compute_artifact: no command produces this output")
}

func (d *Daemon) computeAll() {
	if d.isPaused() {
		logger := logging.WithComponent("daemon")
		logger.Info().Msg("compute_all_artifacts ignored: daemon paused")
		return
	}

	d.mu.Lock()
	watchers := d.watchers
	d.mu.Unlock()

	for _, w := range watchers {
		d.runWatcher(context.Background(), w, "", allOutputs(w))
	}
}

// watchConfigFile watches ConfigPath for changes; on a valid reparse it
// closes existing watches, rebuilds them from the new config, and emits
// configLoaded.
func (d *Daemon) watchConfigFile() error {
	cw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := cw.Add(filepath.Dir(d.ConfigPath)); err != nil {
		_ = cw.Close()
		return err
	}

	d.mu.Lock()
	d.configWatcher = cw
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-d.stopCh:
				return
			case event, ok := <-cw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(d.ConfigPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				d.reloadConfig()
			case _, ok := <-cw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (d *Daemon) reloadConfig() {
	cfg, err := config.Load(d.ConfigPath)
	if err != nil {
		logger := logging.WithComponent("daemon")
		logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return
	}

	d.mu.Lock()
	d.cfg = cfg
	d.watchers = model.FromConfig(cfg)
	d.mu.Unlock()

	if err := d.rebuildWatches(); err != nil {
		logger := logging.WithComponent("daemon")
		logger.Error().Err(err).Msg("failed to rebuild watches after config reload")
		return
	}

	d.Bus.Emit(eventbus.ConfigLoaded, eventbus.ConfigLoadedPayload{Config: cfg})
}
