// Package lockfile implements the Lock File Writer (C11): a durable,
// deterministic artifact manifest for introspection and RPC.
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shadowdog/internal/cachekey"
	"shadowdog/internal/model"
	"shadowdog/internal/resolver"
)

const missingDigestSentinel = "not-found"

// FileManifest is the cache-key-relevant file list attached to each record.
type FileManifest struct {
	Files       []string          `json:"files"`
	Environment map[string]string `json:"environment"`
	Command     string            `json:"command"`
}

// Record is one artifact's entry in the lock file.
type Record struct {
	Output        string       `json:"output"`
	ContentDigest string       `json:"contentDigest"`
	CacheKey      string       `json:"cacheKey"`
	ExecutionTime float64      `json:"executionTimeMs"`
	Manifest      FileManifest `json:"manifest"`
}

// Document is the full lock file payload.
type Document struct {
	Records []Record `json:"artifacts"`
}

// Writer serializes lock file regeneration behind a single in-flight write.
type Writer struct {
	Path        string
	ProjectRoot string

	mu          sync.Mutex
	execTimings map[string]time.Duration
	beginAt     map[string]time.Time
}

// New creates a Writer targeting path.
func New(path, projectRoot string) *Writer {
	return &Writer{
		Path:        path,
		ProjectRoot: projectRoot,
		execTimings: make(map[string]time.Duration),
		beginAt:     make(map[string]time.Time),
	}
}

// RecordBegin marks the start of execution for an artifact set.
func (w *Writer) RecordBegin(outputs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for _, o := range outputs {
		w.beginAt[o] = now
	}
}

// RecordEnd marks the end of execution, recording elapsed time since the
// matching RecordBegin.
func (w *Writer) RecordEnd(outputs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for _, o := range outputs {
		if start, ok := w.beginAt[o]; ok {
			w.execTimings[o] = now.Sub(start)
			delete(w.beginAt, o)
		}
	}
}

// Rebuild walks watchers in declared order and writes a fully deterministic
// lock file: for each artifact, { output, content digest, cache key,
// execution time, file manifest }. Environment values are obfuscated (first
// 2 chars + stars + last 2 chars). A single in-flight write is enforced by
// w.mu; concurrent Rebuild calls serialize rather than interleave.
func (w *Writer) Rebuild(watchers []model.Watcher) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := resolver.New(w.ProjectRoot)

	var records []Record
	for _, watcher := range watchers {
		files, err := r.Resolve(watcher.Files, watcher.Ignored, true)
		if err != nil {
			return fmt.Errorf("resolving watcher %q files: %w", watcher.Label, err)
		}
		invalidatorFiles, err := r.Resolve(watcher.InvalidatorFiles, watcher.Ignored, true)
		if err != nil {
			return fmt.Errorf("resolving watcher %q invalidators: %w", watcher.Label, err)
		}
		allFiles := cachekey.MergeFileLists(files, invalidatorFiles)

		for _, cmd := range watcher.Commands {
			cmdKey := cachekey.Compute(cachekey.Input{
				Files:               cachekey.ReadResolvedFiles(w.ProjectRoot, allFiles),
				InvalidatorEnvNames: watcher.InvalidatorEnvNames,
				Command:             cmd.Run,
			})

			env := make(map[string]string, len(watcher.InvalidatorEnvNames))
			for _, name := range watcher.InvalidatorEnvNames {
				val, _ := os.LookupEnv(name)
				env[name] = obfuscate(val)
			}

			for _, artifact := range cmd.Artifacts {
				digest := w.contentDigest(artifact.Output)
				execMs := float64(0)
				if d, ok := w.execTimings[artifact.Output]; ok {
					execMs = float64(d.Milliseconds())
				}

				records = append(records, Record{
					Output:        artifact.Output,
					ContentDigest: digest,
					CacheKey:      cmdKey,
					ExecutionTime: execMs,
					Manifest: FileManifest{
						Files:       allFiles,
						Environment: env,
						Command:     cmd.Run,
					},
				})
			}
		}
	}

	return w.writeDocument(Document{Records: records})
}

func (w *Writer) contentDigest(output string) string {
	path := filepath.Join(w.ProjectRoot, output)
	data, err := os.ReadFile(path)
	if err != nil {
		return missingDigestSentinel
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:cachekey.KeyLength]
}

func obfuscate(val string) string {
	if len(val) <= 4 {
		return strings.Repeat("*", len(val))
	}
	return val[:2] + strings.Repeat("*", len(val)-4) + val[len(val)-2:]
}

// writeDocument detects a merge-conflict or invalid-JSON pre-existing file
// before writing (in which case it is simply overwritten, i.e. regenerated
// from scratch), then writes two-space-indented, newline-terminated JSON
// atomically.
func (w *Writer) writeDocument(doc Document) error {
	if existing, err := os.ReadFile(w.Path); err == nil {
		if hasMergeConflictMarkers(existing) || !json.Valid(existing) {
			// Fall through: doc (freshly computed) simply replaces it.
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}
	data = append(data, '\n')

	return writeFileAtomic(w.Path, data, 0644)
}

func hasMergeConflictMarkers(data []byte) bool {
	markers := [][]byte{[]byte("<<<<<<<"), []byte("======="), []byte(">>>>>>>")}
	for _, m := range markers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
