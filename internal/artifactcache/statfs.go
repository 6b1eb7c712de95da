package artifactcache

import "golang.org/x/sys/unix"

// StatfsFunc reports total and available bytes for the filesystem holding path.
type StatfsFunc func(path string) (total uint64, free uint64, err error)

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
