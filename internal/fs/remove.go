package fs

import "os"

// RemoveIfExists removes the named file, ignoring the error if it does not
// exist (e.g. because it was already cleaned up by a concurrent run).
func RemoveIfExists(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
