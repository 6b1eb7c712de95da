package fingerprint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"zipline/internal/services"
)

// Version is the on-disk signal that a folder changed.
type Version struct {
	Bytes   int64
	Files   int
	ModTime time.Time
}

// Snapshot reads the version signal for dir. SignalMtime only stats the
// folder itself; SignalMtimeSize walks it and reports the byte total and the
// newest mtime found. Missing or unreadable folders fail with
// services.ErrSourceUnreadable.
func (f *Fingerprinter) Snapshot(dir string) (Version, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Version{}, services.Wrap(services.ErrSourceUnreadable, "fingerprint", "stat", dir, err)
	}
	if !info.IsDir() {
		return Version{}, services.Wrap(services.ErrSourceUnreadable, "fingerprint", "stat", dir+" is not a directory", nil)
	}

	switch f.signal {
	case SignalNone:
		return Version{}, nil
	case SignalMtime:
		return Version{ModTime: info.ModTime()}, nil
	}

	version := Version{ModTime: info.ModTime()}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path != dir && errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		entryInfo, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entryInfo.ModTime().After(version.ModTime) {
			version.ModTime = entryInfo.ModTime()
		}
		if entryInfo.Mode().IsRegular() {
			version.Bytes += entryInfo.Size()
			version.Files++
		}
		return nil
	})
	if err != nil {
		return Version{}, services.Wrap(services.ErrSourceUnreadable, "fingerprint", "walk", dir, err)
	}
	return version, nil
}
