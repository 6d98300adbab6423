package repository

import (
	"context"
	"testing"

	"github.com/sealvault/sealvault/internal/backend/local"
	"github.com/sealvault/sealvault/internal/backend/mem"
	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/objects"
	rtest "github.com/sealvault/sealvault/internal/test"
)

// TestUseLowSecurityKDFParameters sets the scrypt parameters used by
// repositories created during tests to the lowest secure values, so key
// derivation doesn't dominate test runtime.
func TestUseLowSecurityKDFParameters(t testing.TB) {
	t.Logf("using low-security KDF parameters for test")
	crypto.DefaultKDFParams = crypto.Params{N: 4, R: 8, P: 1}
}

// TestBackend returns a fresh in-memory backend for use in tests.
func TestBackend(t testing.TB) *mem.MemoryBackend {
	return mem.New()
}

// TestRepository returns a new, initialized repository backed by a fresh
// in-memory backend, using the latest repository version.
func TestRepository(t testing.TB) *Repository {
	repo, _ := TestRepositoryWithVersion(t, 0)
	return repo.(*Repository)
}

// TestRepositoryWithVersion returns a new, initialized repository backed
// by a fresh in-memory backend. version 0 selects the latest supported
// repository version. The returned cleanup func closes the repository.
func TestRepositoryWithVersion(t testing.TB, version uint) (objects.Repository, func()) {
	return TestRepositoryWithBackend(t, nil, version, Options{})
}

// TestRepositoryWithBackend returns a new, initialized repository using
// be, or a fresh in-memory backend if be is nil. version 0 selects the
// latest supported repository version.
func TestRepositoryWithBackend(t testing.TB, be objects.Backend, version uint, opts Options) (objects.Repository, func()) {
	TestUseLowSecurityKDFParameters(t)

	if be == nil {
		be = mem.New()
	}

	repo, err := New(be, opts)
	rtest.OK(t, err)

	err = Init(context.TODO(), repo, version, rtest.TestPassword(), nil)
	rtest.OK(t, err)

	return repo, func() {
		rtest.OK(t, repo.Close())
	}
}

// TestOpenBackend opens the repository already present on be, using the
// low-security test KDF parameters and test password.
func TestOpenBackend(t testing.TB, be objects.Backend) *Repository {
	TestUseLowSecurityKDFParameters(t)

	repo, err := New(be, Options{})
	rtest.OK(t, err)

	err = repo.SearchKey(context.TODO(), rtest.TestPassword(), 0, "")
	rtest.OK(t, err)

	rtest.OK(t, repo.LoadIndex(context.TODO()))

	return repo
}

// TestOpenLocal opens the repository stored at dir on the local
// filesystem, using the test password.
func TestOpenLocal(t testing.TB, dir string) *Repository {
	cfg := local.NewConfig()
	cfg.Path = dir

	be, err := local.Open(context.TODO(), cfg)
	rtest.OK(t, err)

	repo, err := New(be, Options{})
	rtest.OK(t, err)

	err = repo.SearchKey(context.TODO(), rtest.TestPassword(), 0, "")
	rtest.OK(t, err)

	return repo
}

// TestAllVersions runs f once for each supported repository version.
func TestAllVersions(t *testing.T, f func(t *testing.T, version uint)) {
	for version := uint(objects.MinRepoVersion); version <= objects.MaxRepoVersion; version++ {
		version := version
		t.Run("", func(t *testing.T) {
			f(t, version)
		})
	}
}

// BenchmarkAllVersions runs f once for each supported repository version.
func BenchmarkAllVersions(b *testing.B, f func(b *testing.B, version uint)) {
	for version := uint(objects.MinRepoVersion); version <= objects.MaxRepoVersion; version++ {
		version := version
		b.Run("", func(b *testing.B) {
			f(b, version)
		})
	}
}
