package objects

import "github.com/sealvault/sealvault/internal/errors"

// FileType is the type of a file stored in a repository's backend.
type FileType string

// These are the different data types a backend can store.
const (
	PackFile     FileType = "pack"
	KeyFile      FileType = "key"
	LockFile     FileType = "lock"
	SnapshotFile FileType = "snapshot"
	IndexFile    FileType = "index"
	ConfigFile   FileType = "config"
)

// Handle identifies a single file stored in a backend. The Name is empty
// for the config file, which is a singleton, and is the hex-encoded ID for
// every other file type.
type Handle struct {
	Type FileType
	Name string

	// IsMetadata marks handles for backend implementations that keep
	// metadata (small, latency-sensitive files like locks and snapshots)
	// on different storage than bulk pack data.
	IsMetadata bool
}

func (h Handle) String() string {
	name := h.Name
	if len(name) > 10 {
		name = name[:10]
	}
	return string(h.Type) + "/" + name
}

// Valid returns an error if h is not valid.
func (h Handle) Valid() error {
	switch h.Type {
	case ConfigFile:
		return nil
	case PackFile, KeyFile, LockFile, SnapshotFile, IndexFile:
		// fall through to name validation below
	case "":
		return errors.New("type is unset")
	default:
		return errors.Errorf("invalid Type %q", h.Type)
	}

	if h.Name == "" {
		return errors.New("invalid Name")
	}

	for _, r := range h.Name {
		if !isHexDigit(r) {
			return errors.Errorf("invalid Name %q", h.Name)
		}
	}

	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
