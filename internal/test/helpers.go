// Package test provides small assertion and fixture helpers shared by
// this module's _test.go files, matching the house style used throughout
// the codebase instead of a third-party assertion library.
package test

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"runtime/debug"
	"testing"
)

// TB is the subset of testing.TB these helpers need, so callers can use
// them from both *testing.T and *testing.B.
type TB interface {
	Error(args ...interface{})
	FailNow()
	Skip(args ...interface{})
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// OK fails the test immediately if err is not nil.
func OK(tb TB, err error) {
	if err != nil {
		tb.Error(fmt.Sprintf("%s: unexpected error: %+v", caller(1), err))
		tb.FailNow()
	}
}

// OKs fails the test immediately if any element of errs is not nil.
func OKs(tb TB, errs []error) {
	for _, err := range errs {
		if err != nil {
			tb.Error(fmt.Sprintf("%s: unexpected error: %+v", caller(1), err))
			tb.FailNow()
		}
	}
}

// Assert fails the test if the condition is false.
func Assert(tb TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		tb.Error(fmt.Sprintf("%s: "+msg, append([]interface{}{caller(1)}, v...)...))
		tb.FailNow()
	}
}

// Equals fails the test if exp is not equal to act.
func Equals(tb TB, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		tb.Error(fmt.Sprintf("%s: exp: %#v\n\n\tgot: %#v", caller(1), exp, act))
		tb.FailNow()
	}
}

// Random returns length bytes of deterministic pseudo-random data seeded
// by seed, so repeated calls with the same seed produce identical output.
func Random(seed, length int) []byte {
	buf := make([]byte, length)
	rnd := rand.New(rand.NewSource(int64(seed)))
	_, _ = rnd.Read(buf)
	return buf
}

// TestTempDir returns a fresh temporary directory for the running test,
// removed automatically via t.Cleanup.
func TestTempDir(t testing.TB) string {
	dir, err := os.MkdirTemp("", "sealvault-test-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

// TestCleanupTempDirs is a placeholder hook kept for parity with the
// environment-variable-gated cleanup-skip behavior used elsewhere in this
// package (SEALVAULT_TEST_KEEP_TEMP skips cleanup, for post-mortem
// debugging of a failing test run).
func TestCleanupTempDirs() bool {
	return os.Getenv("SEALVAULT_TEST_KEEP_TEMP") == ""
}

// TestPassword returns the password to use for repositories created during
// tests, overridable via SEALVAULT_TEST_PASSWORD for fixtures that need a
// stable, pre-agreed password.
func TestPassword() string {
	if pw := os.Getenv("SEALVAULT_TEST_PASSWORD"); pw != "" {
		return pw
	}
	return "geheim"
}

// TestSFTPPath returns the sftp binary to use for sftp backend tests, or
// the empty string if the test should be skipped.
func TestSFTPPath() string {
	return os.Getenv("SEALVAULT_TEST_SFTP_PATH")
}

// SkipDisallowed skips the test if name is listed (comma-separated) in the
// SEALVAULT_TEST_DISALLOWED environment variable.
func SkipDisallowed(t testing.TB, name string) {
	for _, d := range filepath.SplitList(os.Getenv("SEALVAULT_TEST_DISALLOWED")) {
		if d == name {
			t.Skipf("test %q is disallowed", name)
		}
	}
}

// SkipForWindows skips the test on GOOS=windows.
func SkipForWindows(t testing.TB) {
	if runtime.GOOS == "windows" {
		t.Skip("not implemented on Windows")
	}
}

// Chdir changes to dir for the duration of the test, restoring the
// previous working directory via t.Cleanup.
func Chdir(t testing.TB, dir string) {
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q): %v", dir, err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(prev)
	})
}

// Env temporarily sets an environment variable for the duration of the
// test, restoring its previous value (or absence) via t.Cleanup.
func Env(t testing.TB, key, value string) {
	prev, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("Setenv(%q): %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// RemoveAll removes path, failing the test if that fails for any reason
// other than the path already being gone.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("RemoveAll(%q): %v", path, err)
	}
}

// Logf logs a formatted message without failing the test, matching
// testing.TB.Logf but usable from a TB interface value that doesn't
// embed it.
func Logf(tb TB, format string, args ...interface{}) {
	if l, ok := tb.(interface{ Logf(string, ...interface{}) }); ok {
		l.Logf(format, args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}

// ErrorsMust asserts err is nil, including the full stack in the failure
// message so a panic-equivalent is traceable in CI logs.
func ErrorsMust(t testing.TB, err error) {
	if err != nil {
		t.Fatalf("unexpected error: %+v\n%s", err, debug.Stack())
	}
}

// ErrorsMay logs a non-fatal warning if err is non-nil, for best-effort
// cleanup steps in test fixtures (temp dir removal, handle closing) where
// failure shouldn't mask the test's real assertion failures.
func ErrorsMay(t testing.TB, err error) {
	if err != nil {
		t.Logf("non-fatal error: %v", err)
	}
}
