package modelcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskStats reports free space on the filesystem holding a path
type DiskStats interface {
	FreeBytes(path string) (uint64, error)
}

type statfsDisk struct{}

// StatfsDisk reads free space with statfs(2), counting only blocks available to
// unprivileged users.
func StatfsDisk() DiskStats {
	return statfsDisk{}
}

func (statfsDisk) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
