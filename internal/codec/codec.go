// Package codec packs and unpacks an artifact (file or directory subtree)
// into a single gzip-framed tar stream (C3).
package codec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// IgnoreFilter is invoked per entry path (relative to the artifact root);
// returning true omits the entry from the archive.
type IgnoreFilter func(relPath string) bool

// NoIgnore keeps every entry.
func NoIgnore(string) bool { return false }

// Pack streams root's artifact at relPath (file or directory) into a single
// gzip-framed tar archive whose member names are rooted at the artifact's
// base name. Directory walks are sorted lexicographically for determinism.
func Pack(root, relPath string, ignore IgnoreFilter) ([]byte, error) {
	if ignore == nil {
		ignore = NoIgnore
	}

	absPath := filepath.Join(root, relPath)
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact %q: %w", relPath, err)
	}

	baseName := filepath.Base(relPath)

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	if info.IsDir() {
		if err := packDir(tw, absPath, baseName, ignore); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, err
		}
	} else {
		if ignore(baseName) {
			// Nothing to pack; return an empty archive rather than erroring,
			// mirroring the "filtered-out entries are omitted" contract.
		} else if err := packFile(tw, absPath, baseName, info); err != nil {
			_ = tw.Close()
			_ = gz.Close()
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalizing gzip stream: %w", err)
	}

	return buf.Bytes(), nil
}

func packFile(tw *tar.Writer, absPath, memberName string, info os.FileInfo) error {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", absPath, err)
	}

	hdr := &tar.Header{
		Name: memberName,
		Mode: int64(info.Mode().Perm()),
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %q: %w", memberName, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("writing tar content for %q: %w", memberName, err)
	}
	return nil
}

func packDir(tw *tar.Writer, absRoot, memberRoot string, ignore IgnoreFilter) error {
	var paths []string
	err := filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %q: %w", absRoot, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("relativizing %q: %w", path, err)
		}
		member := filepath.ToSlash(filepath.Join(memberRoot, rel))
		if ignore(member) {
			continue
		}

		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("lstat %q: %w", path, err)
		}
		if info.IsDir() {
			hdr := &tar.Header{
				Name:     member + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("writing tar dir header for %q: %w", member, err)
			}
			continue
		}
		if err := packFile(tw, path, member, info); err != nil {
			return err
		}
	}
	return nil
}

// Unpack extracts a gzip-framed tar archive produced by Pack into
// dest/<basename of the archive's top-level member>. Entries rejected by
// ignore are skipped. Intermediate directories are created as needed.
func Unpack(data []byte, dest string, ignore IgnoreFilter) error {
	if ignore == nil {
		ignore = NoIgnore
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		name := filepath.ToSlash(hdr.Name)
		if ignore(name) {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory %q: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent directory for %q: %w", target, err)
			}
			content, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading content for %q: %w", name, err)
			}
			if err := writeFileAtomic(target, content, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("writing %q: %w", target, err)
			}
		default:
			// Symlinks and other special entries are not produced by Pack;
			// ignore them defensively rather than failing extraction.
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

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
