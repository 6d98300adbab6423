package test

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// EnvTarFixture extracts the tar fixture at file into a fresh temporary
// directory and returns its path, along with a cleanup function that removes
// the directory again.
func EnvTarFixture(t testing.TB, file string) (dir string, cleanup func()) {
	dir = TestTempDir(t)
	SetupTarTestFixture(t, dir, file)
	return dir, func() { _ = os.RemoveAll(dir) }
}

// SetupTarTestFixture extracts the tar (optionally gzip-compressed, by
// extension) fixture at file into targetDir, for tests that need a small
// tree of real files and directories on disk rather than synthetic ones.
func SetupTarTestFixture(t testing.TB, targetDir, file string) {
	f, err := os.Open(file)
	if err != nil {
		t.Fatalf("unable to open fixture %v: %v", file, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if filepath.Ext(file) == ".gz" || filepath.Ext(file) == ".tgz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("unable to open gzip fixture %v: %v", file, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("error reading fixture %v: %v", file, err)
		}

		target := filepath.Join(targetDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				t.Fatalf("MkdirAll(%v): %v", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				t.Fatalf("MkdirAll(%v): %v", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				t.Fatalf("create %v: %v", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // test fixture extraction, not attacker controlled
				_ = out.Close()
				t.Fatalf("write %v: %v", target, err)
			}
			_ = out.Close()
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				t.Fatalf("symlink %v -> %v: %v", target, hdr.Linkname, err)
			}
		}
	}
}
