package ringbuf

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Storage provides the backing memory of a ring buffer
type Storage interface {
	// Data returns the data area. It must be 8-byte aligned.
	Data() []byte
	// Close releases any resources associated with the storage
	Close() error
}

// HeapStorage implements Storage using regular Go memory
type HeapStorage struct {
	words []uint64
	data  []byte
}

// NewHeapStorage allocates size bytes of 8-byte aligned memory
func NewHeapStorage(size int) *HeapStorage {
	words := make([]uint64, (size+7)/8)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &HeapStorage{words: words, data: data}
}

func (s *HeapStorage) Data() []byte { return s.data }
func (s *HeapStorage) Close() error { return nil }

// MmapStorage implements Storage using an anonymous private mapping,
// optionally locked into memory so producers never take a page fault.
type MmapStorage struct {
	data   []byte
	locked bool
}

// NewMmapStorage maps size bytes of anonymous memory.
// lock: mlock the mapping (subject to RLIMIT_MEMLOCK)
func NewMmapStorage(size int, lock bool) (*MmapStorage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("storage size must be greater than 0, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	storage := &MmapStorage{data: data}
	if lock {
		if err := unix.Mlock(data); err != nil {
			unix.Munmap(data)
			return nil, fmt.Errorf("mlock failed: %w", err)
		}
		storage.locked = true
	}

	// Set up finalizer to ensure cleanup
	runtime.SetFinalizer(storage, (*MmapStorage).Close)
	return storage, nil
}

func (s *MmapStorage) Data() []byte { return s.data }

// Close unlocks and unmaps the memory
func (s *MmapStorage) Close() error {
	if s.data == nil {
		return nil
	}

	if s.locked {
		if err := unix.Munlock(s.data); err != nil {
			return fmt.Errorf("munlock failed: %w", err)
		}
		s.locked = false
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	s.data = nil

	runtime.SetFinalizer(s, nil)
	return nil
}
