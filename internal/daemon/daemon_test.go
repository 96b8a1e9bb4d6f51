package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"shadowdog/internal/config"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/generator"
	"shadowdog/internal/lockfile"
	"shadowdog/internal/notify"
	"shadowdog/internal/runner"
	"shadowdog/internal/supervisor"
)

func newTestDaemon(t *testing.T, root string, cfgJSON string) (*Daemon, *eventbus.Bus) {
	t.Helper()
	cfg, err := config.Parse([]byte(cfgJSON))
	if err != nil {
		t.Fatalf("parsing test config: %v", err)
	}

	bus := eventbus.New()
	lw := lockfile.New(filepath.Join(root, "shadowdog-lock.json"), root)
	notifier := notify.New("")

	d := New(root, filepath.Join(root, "shadowdog.json"), cfg, bus, lw, notifier, func() []runner.Middleware {
		return nil
	})
	return d, bus
}

func writeSrc(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const cpConfig = `{
  "watchers": [
    {
      "label": "copy",
      "files": ["src/app.txt"],
      "commands": [
        {"command": "cp src/app.txt dist/app.txt", "artifacts": [{"output": "dist/app.txt"}]}
      ]
    }
  ]
}`

func TestDaemon_ComputeArtifact_RunsOwningCommand(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/app.txt", "hello")

	_, bus := newTestDaemon(t, root, cpConfig)
	bus.Emit(eventbus.ComputeArtifact, eventbus.ComputeArtifactPayload{Output: "dist/app.txt"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(root, "dist", "app.txt")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected dist/app.txt to be produced by compute_artifact")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemon_ComputeArtifact_NoOpWhilePaused(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/app.txt", "hello")

	d, bus := newTestDaemon(t, root, cpConfig)
	bus.Emit(eventbus.Pause, nil)
	// setPaused runs synchronously inside Emit's subscriber dispatch.
	if !d.isPaused() {
		t.Fatal("expected daemon to be paused after a pause event")
	}

	bus.Emit(eventbus.ComputeArtifact, eventbus.ComputeArtifactPayload{Output: "dist/app.txt"})

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(root, "dist", "app.txt")); err == nil {
		t.Fatal("expected compute_artifact to be a no-op while paused")
	}
}

func TestDaemon_ComputeAllArtifacts_RunsEveryWatcher(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/a.txt", "a")
	writeSrc(t, root, "src/b.txt", "b")

	cfgJSON := `{
      "watchers": [
        {"label": "wa", "files": ["src/a.txt"], "commands": [{"command": "cp src/a.txt dist/a.txt", "artifacts": [{"output": "dist/a.txt"}]}]},
        {"label": "wb", "files": ["src/b.txt"], "commands": [{"command": "cp src/b.txt dist/b.txt", "artifacts": [{"output": "dist/b.txt"}]}]}
      ]
    }`

	_, bus := newTestDaemon(t, root, cfgJSON)
	bus.Emit(eventbus.ComputeAllArtifacts, nil)

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, errA := os.Stat(filepath.Join(root, "dist", "a.txt"))
		_, errB := os.Stat(filepath.Join(root, "dist", "b.txt"))
		if errA == nil && errB == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected compute_all_artifacts to run every watcher")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemon_Resume_ReplaysPendingChangesByTouchingMtime(t *testing.T) {
	root := t.TempDir()
	srcPath := filepath.Join(root, "src", "app.txt")
	writeSrc(t, root, "src/app.txt", "hello")

	d, bus := newTestDaemon(t, root, cpConfig)
	bus.Emit(eventbus.Pause, nil)

	d.mu.Lock()
	d.pendingChanges[srcPath] = struct{}{}
	d.mu.Unlock()

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(srcPath, old, old); err != nil {
		t.Fatal(err)
	}

	bus.Emit(eventbus.Resume, nil)

	info, err := os.Stat(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Equal(old) {
		t.Fatal("expected resume to touch the pending file's mtime to replay it")
	}
	if d.isPaused() {
		t.Fatal("expected resume to clear the paused flag")
	}
}

func TestDaemon_Status_ReportsWatcherLabelsAndPausedState(t *testing.T) {
	root := t.TempDir()
	d, bus := newTestDaemon(t, root, cpConfig)

	st := d.Status()
	if st.Paused {
		t.Fatal("expected a fresh daemon to be unpaused")
	}
	if st.WatcherCount != 1 || len(st.Watchers) != 1 || st.Watchers[0] != "copy" {
		t.Fatalf("unexpected status: %+v", st)
	}

	bus.Emit(eventbus.Pause, nil)
	if !d.Status().Paused {
		t.Fatal("expected status to reflect paused state")
	}
}

func TestDaemon_KillPending_KillsOnlyNamedWatcherHandles(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDaemon(t, root, cpConfig)

	if len(d.pendingHandles) != 0 {
		t.Fatal("expected no pending handles on a fresh daemon")
	}
	// Zero-Pid handles make Kill a no-op, so only the bookkeeping is exercised.
	d.pendingHandles[0] = []supervisor.Handle{{}}
	d.pendingHandles[1] = []supervisor.Handle{{}}
	d.killPending(0)
	if _, ok := d.pendingHandles[0]; ok {
		t.Fatal("expected killPending to clear the watcher's handle slice")
	}
	if len(d.pendingHandles[1]) != 1 {
		t.Fatal("expected killPending to leave other watchers' handles in place")
	}
}

func TestDaemon_Stop_IsIdempotent(t *testing.T) {
	root := t.TempDir()
	d, _ := newTestDaemon(t, root, cpConfig)

	if err := d.rebuildWatches(); err != nil {
		t.Fatal(err)
	}

	d.Stop()
	d.Stop()
}

func TestDaemon_ReloadConfig_AppliesNewWatcherSetOnValidChange(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "shadowdog.json")
	writeSrc(t, root, "shadowdog.json", cpConfig)

	d, _ := newTestDaemon(t, root, cpConfig)
	d.ConfigPath = configPath

	updated := `{
      "watchers": [
        {"label": "renamed", "files": ["src/app.txt"], "commands": [{"command": "cp src/app.txt dist/app.txt", "artifacts": [{"output": "dist/app.txt"}]}]}
      ]
    }`
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	d.reloadConfig()

	st := d.Status()
	if len(st.Watchers) != 1 || st.Watchers[0] != "renamed" {
		t.Fatalf("expected config reload to apply the new watcher set, got %+v", st)
	}
}

func TestDaemon_ReloadConfig_KeepsPreviousConfigurationOnInvalidReload(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "shadowdog.json")
	writeSrc(t, root, "shadowdog.json", cpConfig)

	d, _ := newTestDaemon(t, root, cpConfig)
	d.ConfigPath = configPath

	if err := os.WriteFile(configPath, []byte(`{ not json`), 0644); err != nil {
		t.Fatal(err)
	}

	d.reloadConfig()

	st := d.Status()
	if len(st.Watchers) != 1 || st.Watchers[0] != "copy" {
		t.Fatalf("expected invalid reload to keep the previous configuration, got %+v", st)
	}
}

func TestFilterTreeToOutputs_DropsUnrelatedArtifacts(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/a.txt", "a")

	cfgJSON := `{
      "watchers": [
        {"label": "w", "files": ["src/a.txt"], "commands": [
          {"command": "cp src/a.txt dist/a.txt", "artifacts": [{"output": "dist/a.txt"}]},
          {"command": "cp src/a.txt dist/b.txt", "artifacts": [{"output": "dist/b.txt"}]}
        ]}
      ]
    }`
	d, _ := newTestDaemon(t, root, cfgJSON)

	d.mu.Lock()
	watchers := d.watchers
	d.mu.Unlock()

	tree, err := generator.BuildTree(root, watchers, nil)
	if err != nil {
		t.Fatal(err)
	}
	filtered := filterTreeToOutputs(tree, []string{"dist/a.txt"})

	if len(filtered.Artifacts()) != 1 || filtered.Artifacts()[0].Output != "dist/a.txt" {
		t.Fatalf("expected only dist/a.txt to survive filtering, got %+v", filtered.Artifacts())
	}
}
