package capture_test

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/capturetest"
)

func TestBufferPool_AllocateReleaseLeavesNothingOutstanding(t *testing.T) {
	tests := []struct {
		name      string
		method    capture.IOMethod
		wantSlots int
		ownership capture.Ownership
	}{
		{"read", capture.IORead, 1, capture.UserAllocated},
		{"mmap", capture.IOMemoryMapped, 4, capture.KernelMapped},
		{"userptr", capture.IOUserPointer, 4, capture.UserAllocated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := capturetest.NewDriver()
			alloc := capturetest.NewAllocator()
			pool := capture.NewBufferPool(drv, alloc)

			if err := pool.Allocate(tt.method, 4, drv.Fmt.SizeImage); err != nil {
				t.Fatalf("Allocate() error = %v", err)
			}
			if pool.Len() != tt.wantSlots {
				t.Fatalf("Len() = %d, want %d", pool.Len(), tt.wantSlots)
			}
			for i := 0; i < pool.Len(); i++ {
				b, _ := pool.Buffer(i)
				if b.Ownership != tt.ownership {
					t.Errorf("slot %d ownership = %v, want %v", i, b.Ownership, tt.ownership)
				}
				if b.Len() != drv.Fmt.SizeImage {
					t.Errorf("slot %d len = %d, want %d", i, b.Len(), drv.Fmt.SizeImage)
				}
			}

			if err := pool.Release(); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if drv.Mapped() != 0 || alloc.Outstanding() != 0 {
				t.Errorf("after release: mapped=%d heap=%d, want 0/0", drv.Mapped(), alloc.Outstanding())
			}
			if pool.Len() != 0 {
				t.Errorf("Len() after release = %d", pool.Len())
			}

			// Second release must not touch anything.
			if err := pool.Release(); err != nil {
				t.Errorf("second Release() error = %v", err)
			}
		})
	}
}

func TestBufferPool_MappedReleasesKernelReservation(t *testing.T) {
	drv := capturetest.NewDriver()
	pool := capture.NewBufferPool(drv, capturetest.NewAllocator())

	if err := pool.Allocate(capture.IOMemoryMapped, 4, 0); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := pool.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	want := []int{4, 0}
	if len(drv.Requests) != len(want) || drv.Requests[0] != want[0] || drv.Requests[1] != want[1] {
		t.Errorf("Requests = %v, want %v", drv.Requests, want)
	}
}

func TestBufferPool_SingleMappedBufferRejected(t *testing.T) {
	drv := capturetest.NewDriver()
	drv.Granted = 1
	pool := capture.NewBufferPool(drv, capturetest.NewAllocator())

	err := pool.Allocate(capture.IOMemoryMapped, 4, 0)
	if !errors.Is(err, capture.ErrInsufficientBuffers) {
		t.Fatalf("Allocate() error = %v, want ErrInsufficientBuffers", err)
	}
	if !errors.Is(err, capture.ErrAllocation) {
		t.Errorf("error should also match ErrAllocation")
	}
	if drv.Mapped() != 0 {
		t.Errorf("mapped regions = %d, want 0", drv.Mapped())
	}
}

func TestBufferPool_MethodNotSupported(t *testing.T) {
	drv := capturetest.NewDriver()
	drv.RequestErr = unix.EINVAL
	pool := capture.NewBufferPool(drv, capturetest.NewAllocator())

	err := pool.Allocate(capture.IOUserPointer, 4, drv.Fmt.SizeImage)
	if !errors.Is(err, capture.ErrCapabilityUnsupported) {
		t.Fatalf("Allocate() error = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestBufferPool_PartialFailureReleasesAcquired(t *testing.T) {
	t.Run("mmap fails on third buffer", func(t *testing.T) {
		drv := capturetest.NewDriver()
		drv.MapFailAt = 2
		pool := capture.NewBufferPool(drv, capturetest.NewAllocator())

		err := pool.Allocate(capture.IOMemoryMapped, 4, 0)
		if !errors.Is(err, capture.ErrAllocation) {
			t.Fatalf("Allocate() error = %v, want ErrAllocation", err)
		}
		if !errors.Is(err, unix.ENOMEM) {
			t.Errorf("error should carry ENOMEM, got %v", err)
		}
		if drv.Mapped() != 0 {
			t.Errorf("mapped regions = %d, want 0", drv.Mapped())
		}
		if pool.Len() != 0 {
			t.Errorf("Len() = %d, want 0", pool.Len())
		}
	})

	t.Run("query fails on second buffer", func(t *testing.T) {
		drv := capturetest.NewDriver()
		drv.QueryFailAt = 1
		pool := capture.NewBufferPool(drv, capturetest.NewAllocator())

		if err := pool.Allocate(capture.IOMemoryMapped, 4, 0); err == nil {
			t.Fatal("Allocate() succeeded, want error")
		}
		if drv.Mapped() != 0 {
			t.Errorf("mapped regions = %d, want 0", drv.Mapped())
		}
	})

	t.Run("userptr allocation fails midway", func(t *testing.T) {
		drv := capturetest.NewDriver()
		alloc := capturetest.NewAllocator()
		alloc.FailAt = 2
		pool := capture.NewBufferPool(drv, alloc)

		err := pool.Allocate(capture.IOUserPointer, 4, drv.Fmt.SizeImage)
		if !errors.Is(err, capture.ErrAllocation) {
			t.Fatalf("Allocate() error = %v, want ErrAllocation", err)
		}
		if alloc.Outstanding() != 0 {
			t.Errorf("outstanding allocations = %d, want 0", alloc.Outstanding())
		}
		if alloc.Frees != 2 {
			t.Errorf("Frees = %d, want 2", alloc.Frees)
		}
	})
}

func TestBufferPool_AllocateTwiceRejected(t *testing.T) {
	drv := capturetest.NewDriver()
	alloc := capturetest.NewAllocator()
	pool := capture.NewBufferPool(drv, alloc)

	if err := pool.Allocate(capture.IORead, 1, 1024); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := pool.Allocate(capture.IORead, 1, 1024); !errors.Is(err, capture.ErrInvalidState) {
		t.Fatalf("second Allocate() error = %v, want ErrInvalidState", err)
	}
	// The first allocation must survive the rejected second call.
	if pool.Len() != 1 || alloc.Outstanding() != 1 {
		t.Errorf("pool len=%d outstanding=%d, want 1/1", pool.Len(), alloc.Outstanding())
	}
}

func TestBufferPool_SlotForAddr(t *testing.T) {
	drv := capturetest.NewDriver()
	pool := capture.NewBufferPool(drv, capturetest.NewAllocator())
	if err := pool.Allocate(capture.IOUserPointer, 3, 256); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer pool.Release()

	for i := 0; i < pool.Len(); i++ {
		b, _ := pool.Buffer(i)
		if got := pool.SlotForAddr(b.Addr(), b.Len()); got != i {
			t.Errorf("SlotForAddr(slot %d) = %d", i, got)
		}
	}
	if got := pool.SlotForAddr(1, 256); got != -1 {
		t.Errorf("SlotForAddr(unknown) = %d, want -1", got)
	}
}
