package archive

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"zipline/internal/services"
)

// ManifestEntry is one item recorded while measuring.
type ManifestEntry struct {
	// Name is the slash-separated path inside the archive.
	Name    string
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	Dir     bool
}

// Manifest is the sorted list of entries and the fixed total.
type Manifest struct {
	Root       string
	Entries    []ManifestEntry
	TotalBytes int64
	Files      int
}

// Measure walks root once. Symlinks and special files are left out of the
// archive; directories are kept so empty folders survive a round trip.
func Measure(ctx context.Context, root string) (Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Manifest{}, services.Wrap(services.ErrSourceUnreadable, "archive", "measure", root, err)
	}
	if !info.IsDir() {
		return Manifest{}, services.Wrap(services.ErrSourceUnreadable, "archive", "measure", root+" is not a directory", nil)
	}

	m := Manifest{Root: root}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, ManifestEntry{Name: name + "/", Path: path, Mode: fi.Mode(), ModTime: fi.ModTime(), Dir: true})
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, ManifestEntry{Name: name, Path: path, Size: fi.Size(), Mode: fi.Mode(), ModTime: fi.ModTime()})
			m.TotalBytes += fi.Size()
			m.Files++
		}
		return nil
	})
	if walkErr != nil {
		if services.IsCanceled(walkErr) {
			return Manifest{}, services.Wrap(services.ErrCanceled, "archive", "measure", "", walkErr)
		}
		return Manifest{}, services.Wrap(services.ErrSourceUnreadable, "archive", "measure", root, walkErr)
	}

	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Name < m.Entries[j].Name })
	return m, nil
}
