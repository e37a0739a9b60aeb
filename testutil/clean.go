package testutil

import (
	"os"
	"path/filepath"
)

// CleanDir removes everything in the directory named by dirname except
// the entries named by keeps.
func CleanDir(dirname string, keeps []string) error {
	entries, err := os.ReadDir(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	keep := map[string]struct{}{}
	for _, k := range keeps {
		keep[k] = struct{}{}
	}

	for _, entry := range entries {
		if _, found := keep[entry.Name()]; found {
			continue
		}
		err = os.RemoveAll(filepath.Join(dirname, entry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}
