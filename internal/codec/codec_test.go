package codec

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPackUnpack_SingleFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "app.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := Pack(root, "app.txt", nil)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Unpack(data, dest, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "app.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestPackUnpack_DirectoryTreeRoundTrip(t *testing.T) {
	root := t.TempDir()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll(filepath.Join(root, "dist", "nested"), 0755))
	must(os.WriteFile(filepath.Join(root, "dist", "a.txt"), []byte("a"), 0644))
	must(os.WriteFile(filepath.Join(root, "dist", "nested", "b.txt"), []byte("b"), 0644))

	data, err := Pack(root, "dist", nil)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Unpack(data, dest, nil); err != nil {
		t.Fatal(err)
	}

	gotA, err := os.ReadFile(filepath.Join(dest, "dist", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := os.ReadFile(filepath.Join(dest, "dist", "nested", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotA) != "a" || string(gotB) != "b" {
		t.Fatalf("round-trip content mismatch: %q %q", gotA, gotB)
	}
}

func TestPack_IgnoreFilterOmitsEntries(t *testing.T) {
	root := t.TempDir()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll(filepath.Join(root, "dist"), 0755))
	must(os.WriteFile(filepath.Join(root, "dist", "keep.txt"), []byte("keep"), 0644))
	must(os.WriteFile(filepath.Join(root, "dist", "drop.log"), []byte("drop"), 0644))

	ignore := func(rel string) bool {
		return filepath.Ext(rel) == ".log"
	}

	data, err := Pack(root, "dist", ignore)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Unpack(data, dest, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dest, "dist", "drop.log")); !os.IsNotExist(err) {
		t.Fatalf("ignored entry must not be present after unpack, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "dist", "keep.txt")); err != nil {
		t.Fatalf("non-ignored entry must survive round-trip: %v", err)
	}
}

func TestUnpack_CreatesIntermediateDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "b", "c.txt"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := Pack(root, "a", nil)
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "does", "not", "exist", "yet")
	if err := Unpack(data, dest, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "a", "b", "c.txt")); err != nil {
		t.Fatalf("expected intermediate directories to be created: %v", err)
	}
}

func TestPack_MissingArtifactErrors(t *testing.T) {
	root := t.TempDir()
	if _, err := Pack(root, "nope.txt", nil); err == nil {
		t.Fatal("expected an error packing a nonexistent artifact")
	}
}
