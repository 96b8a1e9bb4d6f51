package generator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shadowdog/internal/config"
	"shadowdog/internal/eventbus"
	"shadowdog/internal/model"
	"shadowdog/internal/runner"
)

func TestBuildTree_ParallelOfWatchersOfCommands(t *testing.T) {
	watchers := []model.Watcher{
		{Label: "w1", Commands: []model.Command{{Run: "a"}, {Run: "b"}}},
		{Label: "w2", Commands: []model.Command{{Run: "c"}}},
	}

	tree, err := BuildTree(t.TempDir(), watchers, nil)
	if err != nil {
		t.Fatal(err)
	}
	commands := tree.Commands()
	if len(commands) != 3 {
		t.Fatalf("expected 3 commands across watchers, got %+v", commands)
	}
}

func TestBuildTree_AppliesConfiguredPlugins(t *testing.T) {
	watchers := []model.Watcher{
		{Label: "w1", Commands: []model.Command{{Run: "a", Tags: []string{"keep"}}, {Run: "b", Tags: []string{"drop"}}}},
	}

	t.Setenv("SHADOWDOG_TAG", "keep")
	tree, err := BuildTree(t.TempDir(), watchers, []config.PluginConfig{{Name: "tagFilter"}})
	if err != nil {
		t.Fatal(err)
	}
	commands := tree.Commands()
	if len(commands) != 1 || commands[0].Run != "a" {
		t.Fatalf("expected the tag filter plugin applied, got %+v", commands)
	}
}

func TestBuildTree_UnknownPluginErrors(t *testing.T) {
	_, err := BuildTree(t.TempDir(), nil, []config.PluginConfig{{Name: "bogus"}})
	if err == nil {
		t.Fatal("expected an error for an unknown plugin")
	}
}

func writeArtifactTerminal(root, relOutput, content string) runner.Middleware {
	return func(ctx *runner.Context, next func() error) error {
		if err := os.MkdirAll(filepath.Join(root, filepath.Dir(relOutput)), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(root, relOutput), []byte(content), 0644); err != nil {
			return err
		}
		return next()
	}
}

func TestGenerate_EmitsBeginEndAndVerifiesArtifactReadiness(t *testing.T) {
	root := t.TempDir()
	bus := eventbus.New()

	var events []eventbus.Name
	for _, name := range []eventbus.Name{eventbus.Begin, eventbus.End, eventbus.Error, eventbus.GenerateStarted, eventbus.AllTasksComplete} {
		name := name
		bus.Subscribe(name, func(any) { events = append(events, name) })
	}

	cmd := model.Command{Run: "true", Artifacts: []model.Artifact{{Output: "dist/out.txt"}}}
	tree := model.Parallel(model.CommandTask(cmd, nil, nil, nil, "w"))

	g := New(bus)
	err := g.Generate(context.Background(), tree, Options{
		ProjectRoot:      root,
		Middlewares:      []runner.Middleware{writeArtifactTerminal(root, "dist/out.txt", "hi")},
		RetryMaxAttempts: 5,
		RetryInterval:    time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[eventbus.Name]bool{eventbus.GenerateStarted: false, eventbus.Begin: false, eventbus.End: false, eventbus.AllTasksComplete: false}
	for _, e := range events {
		if _, ok := want[e]; ok {
			want[e] = true
		}
		if e == eventbus.Error {
			t.Fatalf("did not expect an error event, got events %v", events)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("expected %q to be emitted, got events %v", name, events)
		}
	}
}

func TestGenerate_DeletesPreexistingArtifactBeforeRunning(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dist"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "dist", "out.txt"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	var sawStaleAtTerminal bool
	mw := func(ctx *runner.Context, next func() error) error {
		if _, err := os.Stat(filepath.Join(root, "dist", "out.txt")); err == nil {
			sawStaleAtTerminal = true
		}
		if err := os.WriteFile(filepath.Join(root, "dist", "out.txt"), []byte("fresh"), 0644); err != nil {
			return err
		}
		return next()
	}

	cmd := model.Command{Run: "true", Artifacts: []model.Artifact{{Output: "dist/out.txt"}}}
	tree := model.Parallel(model.CommandTask(cmd, nil, nil, nil, "w"))

	g := New(eventbus.New())
	err := g.Generate(context.Background(), tree, Options{
		ProjectRoot:      root,
		Middlewares:      []runner.Middleware{mw},
		RetryMaxAttempts: 5,
		RetryInterval:    time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawStaleAtTerminal {
		t.Fatal("expected the pre-existing artifact to be deleted before the terminal executor runs")
	}
}

func TestGenerate_MissingArtifactAfterTimeoutIsFatal(t *testing.T) {
	root := t.TempDir()
	cmd := model.Command{Run: "true", Artifacts: []model.Artifact{{Output: "dist/never.txt"}}}
	tree := model.Parallel(model.CommandTask(cmd, nil, nil, nil, "w"))

	g := New(eventbus.New())
	err := g.Generate(context.Background(), tree, Options{
		ProjectRoot:      root,
		RetryMaxAttempts: 2,
		RetryInterval:    time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected ArtifactUnavailableError when the declared artifact never appears")
	}
	if _, ok := err.(*ArtifactUnavailableError); !ok {
		t.Fatalf("expected *ArtifactUnavailableError, got %T: %v", err, err)
	}
}

func TestGenerate_ZeroByteFileCountsAsNotReady(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dist"), 0755); err != nil {
		t.Fatal(err)
	}
	mw := func(ctx *runner.Context, next func() error) error {
		if err := os.WriteFile(filepath.Join(root, "dist", "empty.txt"), nil, 0644); err != nil {
			return err
		}
		return next()
	}

	cmd := model.Command{Run: "true", Artifacts: []model.Artifact{{Output: "dist/empty.txt"}}}
	tree := model.Parallel(model.CommandTask(cmd, nil, nil, nil, "w"))

	g := New(eventbus.New())
	err := g.Generate(context.Background(), tree, Options{
		ProjectRoot:      root,
		Middlewares:      []runner.Middleware{mw},
		RetryMaxAttempts: 2,
		RetryInterval:    time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a 0-byte artifact to fail readiness verification")
	}
}

func TestGenerate_ContinueOnErrorRunsRemainingCommands(t *testing.T) {
	root := t.TempDir()

	failing := model.Command{Run: "false", Artifacts: []model.Artifact{{Output: "dist/a.txt"}}}
	succeeding := model.Command{Run: "true", Artifacts: []model.Artifact{{Output: "dist/b.txt"}}}

	tree := model.Parallel(
		model.CommandTask(failing, nil, nil, nil, "w"),
		model.CommandTask(succeeding, nil, nil, nil, "w"),
	)

	secondRan := false
	mw := func(ctx *runner.Context, next func() error) error {
		if ctx.Command.Run == "false" {
			return &testErr{}
		}
		secondRan = true
		if err := os.MkdirAll(filepath.Join(root, "dist"), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(root, "dist", "b.txt"), []byte("ok"), 0644); err != nil {
			return err
		}
		return next()
	}

	g := New(eventbus.New())
	err := g.Generate(context.Background(), tree, Options{
		ProjectRoot:      root,
		ContinueOnError:  true,
		Middlewares:      []runner.Middleware{mw},
		RetryMaxAttempts: 5,
		RetryInterval:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("continue_on_error must swallow the per-command failure, got %v", err)
	}
	if !secondRan {
		t.Fatal("expected the second command to still run after the first failed")
	}
}

type testErr struct{}

func (*testErr) Error() string { return "boom" }
