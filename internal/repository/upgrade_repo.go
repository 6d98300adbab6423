package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// upgradeRepoV2Error is returned by UpgradeRepo when the new config could not
// be uploaded and restoring the previous config also failed, leaving the
// repository without any config file on the backend. BackupFilePath points
// at a local copy of the old config for manual recovery.
type upgradeRepoV2Error struct {
	UploadNewConfigError   error
	ReuploadOldConfigError error
	BackupFilePath         string
}

func (e *upgradeRepoV2Error) Error() string {
	return fmt.Sprintf(
		"upgrading repository to version 2 failed: uploading the new config failed (%v), and restoring the old config also failed (%v); the old config was backed up to %v",
		e.UploadNewConfigError, e.ReuploadOldConfigError, e.BackupFilePath)
}

// UpgradeRepo upgrades repo's on-disk config to repository version 2, which
// enables blob compression. It is a no-op if repo is already at version 2
// or later.
func UpgradeRepo(ctx context.Context, repo objects.Repository) error {
	oldCfg := repo.Config()
	if oldCfg.Version >= 2 {
		return nil
	}

	concreteRepo, ok := repo.(*Repository)
	if !ok {
		return errors.New("UpgradeRepo: repo is not a *Repository")
	}

	backupPath, err := writeConfigBackup(oldCfg)
	if err != nil {
		return errors.Wrap(err, "writeConfigBackup")
	}

	newCfg := oldCfg
	newCfg.Version = 2

	h := backend.Handle{Type: backend.ConfigFile}
	if err := concreteRepo.be.Remove(ctx, h); err != nil {
		return errors.Wrap(err, "Remove")
	}

	if err := objects.SaveConfig(concreteRepo, newCfg); err != nil {
		uploadErr := err

		reuploadErr := objects.SaveConfig(concreteRepo, oldCfg)
		if reuploadErr != nil {
			return &upgradeRepoV2Error{
				UploadNewConfigError:   uploadErr,
				ReuploadOldConfigError: reuploadErr,
				BackupFilePath:         backupPath,
			}
		}

		return uploadErr
	}

	concreteRepo.cfg = newCfg
	return nil
}

// writeConfigBackup writes cfg, JSON encoded, to a fresh temporary
// directory, returning the path of the file written.
func writeConfigBackup(cfg objects.Config) (string, error) {
	dir, err := os.MkdirTemp("", "sealvault-config-backup-")
	if err != nil {
		return "", errors.Wrap(err, "MkdirTemp")
	}

	buf, err := json.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "Marshal")
	}

	path := filepath.Join(dir, "config")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return "", errors.Wrap(err, "WriteFile")
	}

	return path, nil
}
