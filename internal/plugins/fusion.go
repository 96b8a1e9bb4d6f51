package plugins

import (
	"strings"

	"shadowdog/internal/model"
)

// CommandFusion groups Commands sharing a command-family prefix and working
// directory into a single fused Command. The prefix is the command string up
// to (not including) its last whitespace-separated token, so
// "bundle exec rake T1" and "bundle exec rake T2" fuse into
// "bundle exec rake T1 T2". Only commands within the same Parallel group are
// considered fusable with each other; Serial ordering is never collapsed.
func CommandFusion() func(model.Task) model.Task {
	return func(t model.Task) model.Task {
		return fuse(t)
	}
}

func fuse(t model.Task) model.Task {
	switch t.Kind {
	case model.KindParallel:
		return model.Parallel(fuseSiblings(fuseChildrenFirst(t.Children))...)
	case model.KindSerial:
		return model.Serial(fuseChildrenFirst(t.Children)...)
	default:
		return t
	}
}

func fuseChildrenFirst(children []model.Task) []model.Task {
	out := make([]model.Task, len(children))
	for i, c := range children {
		out[i] = fuse(c)
	}
	return out
}

type fusionGroup struct {
	prefix string
	cwd    string
	tasks  []model.Task
}

// fuseSiblings groups the Command leaves of one Parallel (adjacent or not)
// sharing a (prefix, workingDirectory) pair into one fused Command,
// preserving the relative order of the first occurrence of each group.
// Non-Command children are passed through unchanged after the fused
// Commands.
func fuseSiblings(children []model.Task) []model.Task {
	var groups []*fusionGroup
	index := make(map[string]*fusionGroup)
	var passthrough []model.Task

	for _, c := range children {
		if c.Kind != model.KindCommand {
			passthrough = append(passthrough, c)
			continue
		}
		prefix, last := commandFamily(c.Cmd.Run)
		key := prefix + "\x00" + c.Cmd.WorkingDirectory
		if prefix == "" {
			key += "\x00" + last
		}
		g, ok := index[key]
		if !ok {
			g = &fusionGroup{prefix: prefix, cwd: c.Cmd.WorkingDirectory}
			index[key] = g
			groups = append(groups, g)
		}
		g.tasks = append(g.tasks, c)
	}

	out := make([]model.Task, 0, len(groups)+len(passthrough))
	for _, g := range groups {
		out = append(out, fuseGroup(g))
	}
	out = append(out, passthrough...)
	return out
}

func fuseGroup(g *fusionGroup) model.Task {
	if len(g.tasks) == 1 {
		return g.tasks[0]
	}

	first := g.tasks[0].Cmd
	fused := model.Command{
		WorkingDirectory: first.WorkingDirectory,
		WatcherIndex:     first.WatcherIndex,
		CommandIndex:     first.CommandIndex,
	}

	var lastTokens []string
	var files, invalidatorFiles, envNames []string
	seenFile := map[string]struct{}{}
	seenInvalidator := map[string]struct{}{}
	seenEnv := map[string]struct{}{}

	for i, task := range g.tasks {
		cmd := task.Cmd
		_, lastToken := commandFamily(cmd.Run)
		lastTokens = append(lastTokens, lastToken)
		fused.Artifacts = append(fused.Artifacts, cmd.Artifacts...)
		fused.Tags = append(fused.Tags, cmd.Tags...)

		for _, f := range task.Files {
			if _, dup := seenFile[f]; !dup {
				seenFile[f] = struct{}{}
				files = append(files, f)
			}
		}
		for _, f := range task.InvalidatorFiles {
			if _, dup := seenInvalidator[f]; !dup {
				seenInvalidator[f] = struct{}{}
				invalidatorFiles = append(invalidatorFiles, f)
			}
		}
		for _, e := range task.EnvNames {
			if _, dup := seenEnv[e]; !dup {
				seenEnv[e] = struct{}{}
				envNames = append(envNames, e)
			}
		}
		if i == 0 {
			continue
		}
	}

	fused.Run = g.prefix + " " + strings.Join(lastTokens, " ")

	return model.CommandTask(fused, files, invalidatorFiles, envNames, g.tasks[0].Watcher)
}

// commandFamily splits a command string into its family prefix (everything
// but the final token) and its final token. A command with a single token
// has an empty prefix, in which case it is never considered fusable with
// another single-token command unless both prefixes are empty and equal
// (i.e. two identical bare commands, which fuse trivially into a repeated
// invocation — an edge case this implementation tolerates rather than
// special-cases).
func commandFamily(run string) (prefix, lastToken string) {
	trimmed := strings.TrimRight(run, " \t")
	idx := strings.LastIndexAny(trimmed, " \t")
	if idx < 0 {
		return "", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}
