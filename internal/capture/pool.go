package capture

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// DefaultBufferCount is the number of streaming buffers requested per session.
const DefaultBufferCount = 4

// minMappedBuffers is the fewest mmap buffers a session can run with.
const minMappedBuffers = 2

// Ownership tells who backs a buffer's memory.
type Ownership int

const (
	KernelMapped Ownership = iota
	UserAllocated
)

func (o Ownership) String() string {
	if o == KernelMapped {
		return "kernel-mapped"
	}
	return "user-allocated"
}

// Buffer is one capture slot.
type Buffer struct {
	Ownership Ownership
	Data      []byte
}

// Len is the buffer length in bytes.
func (b Buffer) Len() int {
	return len(b.Data)
}

// Addr is the base address of the buffer, or 0 when empty.
func (b Buffer) Addr() uintptr {
	if len(b.Data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.Data)))
}

// BufferPool owns the buffers of one capture session. Slot i corresponds to
// device buffer index i.
type BufferPool struct {
	drv      Driver
	alloc    Allocator
	method   IOMethod
	buffers  []Buffer
	reserved bool
	log      *zerolog.Logger
}

// NewBufferPool creates an empty pool for drv.
func NewBufferPool(drv Driver, alloc Allocator) *BufferPool {
	if alloc == nil {
		alloc = PageAllocator{}
	}
	return &BufferPool{
		drv:   drv,
		alloc: alloc,
		log:   logger.WithComponent("buffer-pool"),
	}
}

// Allocate populates the pool for method. On failure everything acquired so
// far is released before the error is returned.
func (p *BufferPool) Allocate(method IOMethod, count, frameSize int) (err error) {
	if len(p.buffers) > 0 || p.reserved {
		return fmt.Errorf("%w: pool already allocated", ErrInvalidState)
	}
	if count <= 0 {
		count = DefaultBufferCount
	}
	p.method = method

	defer func() {
		if err != nil {
			if rerr := p.Release(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()

	switch method {
	case IORead:
		err = p.allocateRead(frameSize)
	case IOMemoryMapped:
		err = p.allocateMapped(count)
	case IOUserPointer:
		err = p.allocateUser(count, frameSize)
	default:
		err = fmt.Errorf("%w: unknown io method %v", ErrCapabilityUnsupported, method)
	}
	if err != nil {
		return err
	}

	p.log.Debug().
		Str("method", method.String()).
		Int("buffers", len(p.buffers)).
		Msg("Buffers allocated")
	return nil
}

func (p *BufferPool) allocateRead(frameSize int) error {
	b, err := p.alloc.Alloc(frameSize)
	if err != nil {
		return fmt.Errorf("read buffer of %d bytes: %w", frameSize, wrapAlloc(err))
	}
	p.buffers = append(p.buffers, Buffer{Ownership: UserAllocated, Data: b})
	return nil
}

func (p *BufferPool) allocateMapped(count int) error {
	granted, err := p.request(IOMemoryMapped, count)
	if err != nil {
		return err
	}
	if granted < minMappedBuffers {
		return fmt.Errorf("%w: %d buffers granted, need %d", ErrInsufficientBuffers, granted, minMappedBuffers)
	}

	for i := 0; i < granted; i++ {
		offset, length, err := p.drv.QueryBuffer(i)
		if err != nil {
			return fmt.Errorf("%w: query buffer %d: %w", ErrAllocation, i, err)
		}
		data, err := p.drv.Map(offset, length)
		if err != nil {
			return fmt.Errorf("%w: map buffer %d: %w", ErrAllocation, i, err)
		}
		p.buffers = append(p.buffers, Buffer{Ownership: KernelMapped, Data: data})
	}
	return nil
}

func (p *BufferPool) allocateUser(count, frameSize int) error {
	granted, err := p.request(IOUserPointer, count)
	if err != nil {
		return err
	}
	if granted < 1 {
		return fmt.Errorf("%w: no user pointer buffers granted", ErrInsufficientBuffers)
	}

	for i := 0; i < granted; i++ {
		b, err := p.alloc.Alloc(frameSize)
		if err != nil {
			return fmt.Errorf("user buffer %d: %w", i, wrapAlloc(err))
		}
		p.buffers = append(p.buffers, Buffer{Ownership: UserAllocated, Data: b})
	}
	return nil
}

// request reserves buffers with the driver. EINVAL means the driver does not
// implement the method at all.
func (p *BufferPool) request(method IOMethod, count int) (int, error) {
	granted, err := p.drv.RequestBuffers(method, count)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return 0, fmt.Errorf("%w: %s i/o: %w", ErrCapabilityUnsupported, method, err)
		}
		return 0, fmt.Errorf("%w: request %d %s buffers: %w", ErrAllocation, count, method, err)
	}
	p.reserved = true
	return granted, nil
}

// Release unmaps or frees every acquired buffer and drops the kernel
// reservation. Calling it on an empty or partially populated pool is safe.
func (p *BufferPool) Release() error {
	var errs []error

	for i := len(p.buffers) - 1; i >= 0; i-- {
		b := p.buffers[i]
		switch b.Ownership {
		case KernelMapped:
			if err := p.drv.Unmap(b.Data); err != nil {
				errs = append(errs, fmt.Errorf("unmap buffer %d: %w", i, err))
			}
		case UserAllocated:
			if err := p.alloc.Free(b.Data); err != nil {
				errs = append(errs, fmt.Errorf("free buffer %d: %w", i, err))
			}
		}
	}
	released := len(p.buffers)
	p.buffers = nil

	if p.reserved {
		p.reserved = false
		if _, err := p.drv.RequestBuffers(p.method, 0); err != nil {
			// Some drivers refuse a zero count; the reservation dies with the fd.
			p.log.Debug().Err(err).Msg("Driver kept buffer reservation")
		}
	}

	if released > 0 {
		p.log.Debug().Int("buffers", released).Msg("Buffers released")
	}
	return errors.Join(errs...)
}

// Method is the I/O method the pool was allocated for.
func (p *BufferPool) Method() IOMethod {
	return p.method
}

// Len is the number of populated slots.
func (p *BufferPool) Len() int {
	return len(p.buffers)
}

// Buffer returns slot i.
func (p *BufferPool) Buffer(i int) (Buffer, bool) {
	if i < 0 || i >= len(p.buffers) {
		return Buffer{}, false
	}
	return p.buffers[i], true
}

// SlotForAddr finds the user buffer the kernel handed back by address.
func (p *BufferPool) SlotForAddr(addr uintptr, length int) int {
	for i, b := range p.buffers {
		if b.Addr() == addr && (length == 0 || b.Len() == length) {
			return i
		}
	}
	return -1
}

func wrapAlloc(err error) error {
	if errors.Is(err, ErrAllocation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAllocation, err)
}
