package disk

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type entryInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// walkEntries calls fn for every regular file under root.
// A missing root is treated as empty.
func walkEntries(root string, fn func(entryInfo)) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		fn(entryInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func dirSize(root string) (int64, error) {
	var total int64
	err := walkEntries(root, func(e entryInfo) {
		total += e.size
	})
	return total, err
}

// pruneDir removes the oldest files under root until at most targetBytes remain.
func pruneDir(root string, targetBytes int64) (freed, remaining int64, err error) {
	targetBytes = max(targetBytes, 0)

	var entries []entryInfo
	if err := walkEntries(root, func(e entryInfo) {
		remaining += e.size
		entries = append(entries, e)
	}); err != nil {
		return 0, 0, err
	}
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	slices.SortFunc(entries, func(a, b entryInfo) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})

	for _, e := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= e.size
		freed += e.size
	}
	return freed, remaining, nil
}
