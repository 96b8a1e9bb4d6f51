// Package cache implements the Cache Middlewares (C6): local filesystem and
// remote S3-compatible backends sharing the read-before/write-after
// middleware contract, SHA verification before restore, and environment
// kill switches.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"shadowdog/internal/cachekey"
	"shadowdog/internal/codec"
	"shadowdog/internal/logging"
	"shadowdog/internal/runner"
)

// Backend is the transport abstraction shared by the local and remote
// middlewares: get/put an object by name, returning (nil, false, nil) on a
// miss.
type Backend interface {
	Get(ctx context.Context, objectName string) ([]byte, bool, error)
	Put(ctx context.Context, objectName string, data []byte) error
	Name() string
}

// Options configures a Middleware instance.
type Options struct {
	Backend Backend

	// ReadEnabled/WriteEnabled are the static defaults; per-invocation
	// environment overrides (read each time, never cached) take precedence.
	ReadEnabled  bool
	WriteEnabled bool

	// ReadEnvVar/WriteEnvVar/DisableEnvVar name the environment variables
	// that flip read/write or disable this middleware entirely for this
	// invocation.
	ReadEnvVar    string
	WriteEnvVar   string
	DisableEnvVar string
}

func boolEnvOverride(name string, fallback bool) bool {
	if name == "" {
		return fallback
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	return v == "1" || v == "true"
}

func disabled(name string) bool {
	if name == "" {
		return false
	}
	v, _ := os.LookupEnv(name)
	return v == "1" || v == "true"
}

// Middleware builds a runner.Middleware implementing the C6 contract for a
// single backend.
func Middleware(opts Options) runner.Middleware {
	return func(ctx *runner.Context, next func() error) error {
		if disabled(opts.DisableEnvVar) {
			return next()
		}

		readEnabled := boolEnvOverride(opts.ReadEnvVar, opts.ReadEnabled)
		writeEnabled := boolEnvOverride(opts.WriteEnvVar, opts.WriteEnabled)

		log := logging.WithComponent("cache." + opts.Backend.Name())

		projectRoot := projectRootFromArtifacts(ctx)
		allFiles := cachekey.MergeFileLists(ctx.Files, ctx.InvalidatorFiles)
		key := cachekey.Compute(cachekey.Input{
			Files:               cachekey.ReadResolvedFiles(projectRoot, allFiles),
			InvalidatorEnvNames: ctx.EnvironmentNames,
			Command:             ctx.Command.Run,
		})

		if readEnabled && len(ctx.Command.Artifacts) > 0 {
			allHit, err := tryRestoreAll(ctx, opts.Backend, key, log)
			if err != nil {
				log.Warn().Err(err).Msg("cache read path failed, proceeding to execute")
			} else if allHit {
				ctx.Abort()
				return nil
			}
		}

		if err := next(); err != nil {
			return err
		}

		if writeEnabled {
			for _, artifact := range ctx.Command.Artifacts {
				if err := storeOne(ctx.Context, opts.Backend, projectRoot, key, artifact.Output, artifact.Ignore); err != nil {
					log.Warn().Err(err).Str("artifact", artifact.Output).Msg("cache write failed, continuing")
				}
			}
		}

		return nil
	}
}

// tryRestoreAll attempts to restore every artifact of the Command from
// cache. It returns allHit=true only if every artifact was found (hit or
// already-correct-on-disk); a partial hit is treated as a full miss so the
// terminal executor still runs (the contract guarantees cache validity only
// when every declared artifact is satisfied).
func tryRestoreAll(ctx *runner.Context, backend Backend, key string, log zerolog.Logger) (bool, error) {
	projectRoot := projectRootFromArtifacts(ctx)

	for _, artifact := range ctx.Command.Artifacts {
		objectName := cachekey.ObjectName(key, artifact.Output)
		data, ok, err := backend.Get(ctx.Context, objectName)
		if err != nil {
			return false, fmt.Errorf("fetching %q: %w", objectName, err)
		}
		if !ok {
			return false, nil
		}

		if err := restoreWithSHAVerification(projectRoot, artifact.Output, data, artifact.Ignore, log); err != nil {
			return false, fmt.Errorf("restoring %q: %w", artifact.Output, err)
		}
	}
	return true, nil
}

// restoreWithSHAVerification implements the five-step read path from §4.6:
// extract to a temp dir, compute content digests, skip the restore if
// digests already match, otherwise unpack into place. The temp dir is
// removed on every exit path.
func restoreWithSHAVerification(projectRoot, output string, archive []byte, ignore []string, log zerolog.Logger) error {
	tmpDir, err := os.MkdirTemp("", "shadowdog-restore-*")
	if err != nil {
		return fmt.Errorf("creating temp extraction dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	filter := ignoreFilterFrom(ignore)
	if err := codec.Unpack(archive, tmpDir, filter); err != nil {
		return fmt.Errorf("unpacking cached artifact: %w", err)
	}

	extractedPath := filepath.Join(tmpDir, filepath.Base(filepath.FromSlash(output)))
	destPath := filepath.Join(projectRoot, filepath.FromSlash(output))

	extractedDigest, err := contentDigest(extractedPath)
	if err != nil {
		return fmt.Errorf("hashing extracted artifact: %w", err)
	}

	if existingDigest, ok, err := contentDigestIfExists(destPath); err != nil {
		return fmt.Errorf("hashing existing artifact: %w", err)
	} else if ok && existingDigest == extractedDigest {
		log.Info().Str("artifact", output).Msg("skipping restore: content already matches cache")
		return nil
	}

	return copyTree(extractedPath, destPath)
}

func ignoreFilterFrom(patterns []string) codec.IgnoreFilter {
	if len(patterns) == 0 {
		return codec.NoIgnore
	}
	return func(rel string) bool {
		for _, p := range patterns {
			if rel == p {
				return true
			}
		}
		return false
	}
}

func contentDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return fileSHA256(path)
	}
	return dirSHA256(path)
}

func contentDigestIfExists(path string) (string, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	d, err := contentDigest(path)
	return d, true, err
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dirSHA256(root string) (string, error) {
	h := sha256.New()
	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sortStrings(paths)
	for _, p := range paths {
		rel, _ := filepath.Rel(root, p)
		h.Write([]byte(filepath.ToSlash(rel)))
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			return "", copyErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		content, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return writeFileAtomic(dest, content, info.Mode())
	}

	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return writeFileAtomic(target, content, info.Mode())
	})
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

func storeOne(ctx context.Context, backend Backend, projectRoot, key, output string, ignore []string) error {
	absPath := output
	if !filepath.IsAbs(output) {
		absPath = filepath.Join(projectRoot, output)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			logger := logging.WithComponent("cache")
			logger.Info().Str("artifact", output).Msg("artifact not present, skipping store")
			return nil
		}
		return err
	}

	archive, err := codec.Pack(projectRoot, output, ignoreFilterFrom(ignore))
	if err != nil {
		return fmt.Errorf("packing artifact: %w", err)
	}

	objectName := cachekey.ObjectName(key, output)
	return backend.Put(ctx, objectName, archive)
}

func projectRootFromArtifacts(ctx *runner.Context) string {
	// Artifact output paths are always relative to the project root and the
	// Command's own working directory is a subdirectory concern, not the
	// artifact-path base; the project root is carried on the Context via
	// Options under the "projectRoot" key by the Generator.
	if v, ok := ctx.Options["projectRoot"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "."
}
