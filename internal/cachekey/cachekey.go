// Package cachekey computes the content-addressed cache key (C1) and the
// per-artifact object name derived from it.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// ToolVersion is the build daemon's own version, participating in the cache
// key so that a tool upgrade invalidates previously-cached results.
var ToolVersion = "dev"

// HostRuntimeVersion participates in the cache key so that a change of Go
// runtime invalidates previously-cached results.
var HostRuntimeVersion = runtime.Version()

// KeyLength is the number of hex characters retained from the digest.
const KeyLength = 10

// ResolvedFile is an input file already expanded and read by the resolver.
type ResolvedFile struct {
	Path    string
	Content []byte
}

// Input bundles everything that participates in a Cache Key.
type Input struct {
	// Files are already-resolved, already-sorted input files (watched +
	// invalidator files combined by the caller, in the exact order the
	// digest should observe).
	Files []ResolvedFile

	// InvalidatorEnvNames is the ordered list of environment variable names
	// whose current value contributes to the key (missing = empty string).
	InvalidatorEnvNames []string

	// Command is the command string.
	Command string
}

func writeField(h hash.Hash, data []byte) {
	length := uint64(len(data))
	lengthBytes := []byte{
		byte(length >> 56), byte(length >> 48), byte(length >> 40), byte(length >> 32),
		byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length),
	}
	h.Write(lengthBytes)
	h.Write(data)
}

// Compute returns the ten-hex-character Cache Key for the given Input.
//
// Order, per spec: each resolved input path followed by its contents; each
// invalidator environment variable's current value (empty string if unset);
// the command string; the tool version; the host runtime version.
func Compute(in Input) string {
	h := sha256.New()

	for _, f := range in.Files {
		writeField(h, []byte(f.Path))
		writeField(h, f.Content)
	}

	// InvalidatorEnvNames is iterated in caller-supplied order; callers are
	// expected to pass it pre-sorted when order-independence is desired.
	for _, name := range in.InvalidatorEnvNames {
		val, _ := os.LookupEnv(name)
		writeField(h, []byte(val))
	}

	writeField(h, []byte(in.Command))
	writeField(h, []byte(ToolVersion))
	writeField(h, []byte(HostRuntimeVersion))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:KeyLength]
}

// ObjectName computes the per-artifact object name: a second digest over
// (cache key, artifact output path).
func ObjectName(cacheKey, outputPath string) string {
	h := sha256.New()
	writeField(h, []byte(cacheKey))
	writeField(h, []byte(outputPath))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:KeyLength]
}

// SortedEnvNames returns a sorted copy, used by callers that want
// order-independent invalidator-name hashing.
func SortedEnvNames(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

// MergeFileLists returns the deduplicated, lexicographically sorted union of
// a and b. The Cache Key is defined over (inputs ∪ invalidators); every
// caller that computes a key must pass watched and invalidator files through
// this before ReadResolvedFiles, so the same (watcher, command) pair always
// hashes the same combined, ordered file set regardless of which component
// computed it.
func MergeFileLists(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// ReadResolvedFiles reads each of paths (already resolved, project-root-
// relative) from disk, joined against projectRoot. A file that cannot be
// read (removed between resolution and key computation) hashes with empty
// content rather than failing the whole computation, so the mismatch
// surfaces as a cache miss rather than a crash.
func ReadResolvedFiles(projectRoot string, paths []string) []ResolvedFile {
	out := make([]ResolvedFile, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(p)))
		if err != nil {
			out = append(out, ResolvedFile{Path: p})
			continue
		}
		out = append(out, ResolvedFile{Path: p, Content: content})
	}
	return out
}
