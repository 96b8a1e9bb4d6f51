// Package resolver expands glob patterns and applies ignore-pattern
// semantics to produce a deterministic, lexicographically sorted set of
// relative paths (C2).
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Resolver expands input globs relative to a project root.
type Resolver struct {
	RootDir string
}

// New creates a Resolver rooted at rootDir.
func New(rootDir string) *Resolver {
	return &Resolver{RootDir: rootDir}
}

// Resolve expands each of globs relative to RootDir, filters out anything
// matched by ignores, and returns relative paths in lexicographic order.
//
// When preserveNonexistent is true, a literal (non-glob) pattern that does
// not currently exist on disk is kept in the result anyway, so plugins that
// inspect the dependency graph can still see an edge to an artifact that has
// not been built yet.
func (r *Resolver) Resolve(globs, ignores []string, preserveNonexistent bool) ([]string, error) {
	ignoreMatchers, err := compileIgnores(ignores)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string

	for _, pattern := range globs {
		full := pattern
		if !filepath.IsAbs(pattern) {
			full = filepath.Join(r.RootDir, pattern)
		}

		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 && !containsGlobChar(pattern) {
			if preserveNonexistent {
				rel := toRel(r.RootDir, full)
				if _, dup := seen[rel]; !dup && !matchesAny(rel, ignoreMatchers) {
					seen[rel] = struct{}{}
					out = append(out, rel)
				}
				continue
			}
			if _, statErr := os.Stat(full); statErr != nil {
				continue
			}
			matches = []string{full}
		}

		for _, m := range matches {
			rel := toRel(r.RootDir, m)
			if _, dup := seen[rel]; dup {
				continue
			}
			if matchesAny(rel, ignoreMatchers) {
				continue
			}
			seen[rel] = struct{}{}
			out = append(out, rel)
		}
	}

	sort.Strings(out)
	return out, nil
}

func toRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}

func containsGlobChar(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}

type ignoreMatcher func(relPath string) bool

// compileIgnores builds matchers implementing the ignore semantics:
//   - exact match
//   - directory prefix ("foo" and "foo/" both match "foo" and anything
//     under "foo/")
//   - "**/X": substring/suffix match on X
//   - general glob: translated to an anchored regex
func compileIgnores(patterns []string) ([]ignoreMatcher, error) {
	matchers := make([]ignoreMatcher, 0, len(patterns))
	for _, p := range patterns {
		p := strings.TrimSuffix(p, "/")

		switch {
		case strings.HasPrefix(p, "**/"):
			suffix := strings.TrimPrefix(p, "**/")
			matchers = append(matchers, func(rel string) bool {
				return rel == suffix || strings.HasSuffix(rel, "/"+suffix) || strings.Contains(rel, suffix)
			})
		case !strings.ContainsAny(p, "*?["):
			prefix := p
			matchers = append(matchers, func(rel string) bool {
				return rel == prefix || strings.HasPrefix(rel, prefix+"/")
			})
		default:
			re, err := globToRegexp(p)
			if err != nil {
				return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
			}
			matchers = append(matchers, func(rel string) bool {
				return re.MatchString(rel)
			})
		}
	}
	return matchers, nil
}

func matchesAny(rel string, matchers []ignoreMatcher) bool {
	for _, m := range matchers {
		if m(rel) {
			return true
		}
	}
	return false
}

// globToRegexp anchors a shell-glob-like pattern into a regexp; "**" matches
// across path separators, "*" matches within a single segment, "?" matches
// one character.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			sb.WriteString(".*")
			i += 2
		case c == '*':
			sb.WriteString("[^/]*")
			i++
		case c == '?':
			sb.WriteString("[^/]")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
