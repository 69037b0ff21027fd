package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageAllocator hands out anonymous page-aligned mappings. The memory lives
// outside the Go heap, so its address can be given to the kernel for
// user-pointer streaming and stays valid until Free.
type PageAllocator struct{}

func (PageAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", ErrAllocation, size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return b, nil
}

func (PageAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
