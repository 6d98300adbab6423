package objects

import (
	"context"

	"github.com/restic/chunker"

	"github.com/sealvault/sealvault/internal/errors"
)

// Config contains the configuration for a repository, stored as the single
// JSON-encoded, unpacked ConfigFile.
type Config struct {
	Version           uint        `json:"version"`
	ID                string      `json:"id"`
	ChunkerPolynomial chunker.Pol `json:"chunker_polynomial"`
}

// RepoVersion is the version of the on-disk repository layout this
// implementation writes. Version 1 is also understood when reading.
const RepoVersion = 2

// MinRepoVersion and MaxRepoVersion delimit the range of repository
// versions this implementation can open.
const (
	MinRepoVersion = 1
	MaxRepoVersion = RepoVersion
)

// SaverUnpacked saves unpacked, JSON-encoded files (config, snapshots,
// index, locks) to a repository.
type SaverUnpacked interface {
	SaveJSONUnpacked(t FileType, arg interface{}) (ID, error)
}

// LoaderUnpacked loads unpacked, JSON-encoded files from a repository.
type LoaderUnpacked interface {
	LoadJSONUnpacked(ctx context.Context, t FileType, id ID, arg interface{}) error
}

// CreateConfig creates a new configuration for a repository, selecting a
// random polynomial for content-defined chunking.
func CreateConfig() (Config, error) {
	pol, err := chunker.RandomPolynomial()
	if err != nil {
		return Config{}, errors.Wrap(err, "chunker.RandomPolynomial")
	}

	return Config{
		ChunkerPolynomial: pol,
		Version:           RepoVersion,
		ID:                NewRandomID().String(),
	}, nil
}

// LoadConfig loads the repository config from r.
func LoadConfig(ctx context.Context, r LoaderUnpacked) (Config, error) {
	var cfg Config
	if err := r.LoadJSONUnpacked(ctx, ConfigFile, ID{}, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Version < MinRepoVersion || cfg.Version > MaxRepoVersion {
		return Config{}, errors.Errorf("unsupported repository version %v", cfg.Version)
	}

	return cfg, nil
}

// SaveConfig saves cfg as the repository's ConfigFile.
func SaveConfig(s SaverUnpacked, cfg Config) error {
	_, err := s.SaveJSONUnpacked(ConfigFile, cfg)
	return err
}
