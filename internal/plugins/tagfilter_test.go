package plugins

import (
	"testing"

	"shadowdog/internal/model"
)

func TestTagFilter_NoOpWhenEnvVarUnset(t *testing.T) {
	const envVar = "SHADOWDOG_TEST_TAG_UNSET"
	tree := model.Parallel(
		model.CommandTask(model.Command{Run: "a", Tags: []string{"slow"}}, nil, nil, nil, "w"),
	)

	out := TagFilter(envVar)(tree)
	if len(out.Commands()) != 1 {
		t.Fatalf("expected the tree unchanged when the tag env var is unset, got %+v", out)
	}
}

func TestTagFilter_DropsCommandsMissingActiveTag(t *testing.T) {
	const envVar = "SHADOWDOG_TEST_TAG"
	t.Setenv(envVar, "frontend")

	tree := model.Parallel(
		model.CommandTask(model.Command{Run: "build-fe", Tags: []string{"frontend"}}, nil, nil, nil, "w"),
		model.CommandTask(model.Command{Run: "build-be", Tags: []string{"backend"}}, nil, nil, nil, "w"),
	)

	out := TagFilter(envVar)(tree)
	commands := out.Commands()
	if len(commands) != 1 || commands[0].Run != "build-fe" {
		t.Fatalf("expected only the frontend-tagged command to survive, got %+v", commands)
	}
}

func TestTagFilter_AllDroppedCollapsesToEmpty(t *testing.T) {
	const envVar = "SHADOWDOG_TEST_TAG_NONE_MATCH"
	t.Setenv(envVar, "nonexistent")

	tree := model.Parallel(
		model.CommandTask(model.Command{Run: "a", Tags: []string{"x"}}, nil, nil, nil, "w"),
	)

	out := TagFilter(envVar)(tree)
	if out.Kind != model.KindEmpty {
		t.Fatalf("expected Empty when every command is filtered out, got kind %v", out.Kind)
	}
}
