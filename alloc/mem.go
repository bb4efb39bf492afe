package alloc

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"
)

const hugePageSize = 2 * 1024 * 1024

// Allocate maps zeroed memory capable of storing count items of type T.
// Returned function unmaps the memory, slice must not be used after calling it.
func Allocate[T comparable](count uint64, useHugePages bool) ([]T, func(), error) {
	if count == 0 {
		return nil, func() {}, nil
	}

	var t T
	size := count * uint64(unsafe.Sizeof(t))

	opts := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	pageSize := uint64(os.Getpagesize())
	if useHugePages {
		// When using huge pages, the size must be a multiple of the hugepage size. Otherwise, munmap fails.
		opts |= unix.MAP_HUGETLB
		pageSize = hugePageSize
	}
	size = (size + pageSize - 1) / pageSize * pageSize

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation of %d bytes failed", size)
	}

	return photon.SliceFromPointer[T](unsafe.Pointer(&data[0]), int(count)), func() {
		_ = unix.Munmap(data)
	}, nil
}
