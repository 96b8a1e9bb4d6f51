// Package plugins implements the pure Task -> Task transforms (C7): tag
// filtering, command fusion, and dependency layering.
package plugins

import (
	"os"

	"shadowdog/internal/model"
)

// TagFilter replaces any Command whose tags do not include the active tag
// with Empty. The active tag is read from the named environment variable;
// if unset or empty, the filter is a no-op (every Command is kept).
func TagFilter(envVar string) func(model.Task) model.Task {
	return func(t model.Task) model.Task {
		active, ok := os.LookupEnv(envVar)
		if !ok || active == "" {
			return t
		}
		return rewrite(t, func(leaf model.Task) model.Task {
			if hasTag(leaf.Cmd.Tags, active) {
				return leaf
			}
			return model.Empty()
		})
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// rewrite applies fn to every Command leaf, preserving Parallel/Serial
// structure, and drops Empty children produced by fn so the tree doesn't
// accumulate no-op leaves (an invariant every plugin in this package
// upholds: the union of surviving artifacts is a subset of the input).
func rewrite(t model.Task, fn func(model.Task) model.Task) model.Task {
	switch t.Kind {
	case model.KindCommand:
		return fn(t)
	case model.KindParallel:
		children := rewriteChildren(t.Children, fn)
		if len(children) == 0 {
			return model.Empty()
		}
		return model.Parallel(children...)
	case model.KindSerial:
		children := rewriteChildren(t.Children, fn)
		if len(children) == 0 {
			return model.Empty()
		}
		return model.Serial(children...)
	default:
		return t
	}
}

func rewriteChildren(children []model.Task, fn func(model.Task) model.Task) []model.Task {
	out := make([]model.Task, 0, len(children))
	for _, c := range children {
		rewritten := rewrite(c, fn)
		if rewritten.Kind == model.KindEmpty {
			continue
		}
		out = append(out, rewritten)
	}
	return out
}
