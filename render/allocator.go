package render

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

// MemoryIndexNotFound is returned by MemoryIndex when no memory type fits.
const MemoryIndexNotFound = -1

// Allocator hands out one dedicated memory allocation per resource and keeps
// count of what is still live.
type Allocator struct {
	device   gpu.Device
	physical gpu.PhysicalDevice
	types    []core1_0.MemoryType
	log      logrus.FieldLogger

	live      int
	liveBytes int
}

func newAllocator(device gpu.Device, physical gpu.PhysicalDevice, log logrus.FieldLogger) *Allocator {
	return &Allocator{
		device:   device,
		physical: physical,
		types:    physical.MemoryTypes(),
		log:      log,
	}
}

// MemoryIndex returns the first memory type allowed by typeBits whose
// properties include flags, or MemoryIndexNotFound.
func (a *Allocator) MemoryIndex(typeBits uint32, flags core1_0.MemoryPropertyFlags) int {
	for i, memoryType := range a.types {
		typeBit := uint32(1 << i)

		if (typeBits&typeBit) != 0 && (memoryType.PropertyFlags&flags) == flags {
			return i
		}
	}

	return MemoryIndexNotFound
}

// Allocate allocates memory matching req with at least the given properties.
func (a *Allocator) Allocate(req gpu.MemoryRequirements, flags core1_0.MemoryPropertyFlags) (*Allocation, error) {
	index := a.MemoryIndex(req.TypeBits, flags)
	if index == MemoryIndexNotFound {
		return nil, errors.Wrapf(ErrNoMemoryType, "type bits %#x, properties %v", req.TypeBits, flags)
	}

	memory, err := a.device.AllocateMemory(req.Size, index)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes", req.Size)
	}

	a.live++
	a.liveBytes += req.Size
	return &Allocation{
		allocator: a,
		memory:    memory,
		size:      req.Size,
		flags:     a.types[index].PropertyFlags,
	}, nil
}

func (a *Allocator) allocateBuffer(buffer gpu.Buffer, flags core1_0.MemoryPropertyFlags) (*Allocation, error) {
	alloc, err := a.Allocate(buffer.MemoryRequirements(), flags)
	if err != nil {
		return nil, err
	}
	if err := buffer.BindMemory(alloc.memory, 0); err != nil {
		alloc.Free()
		return nil, errors.Wrap(err, "failed to bind buffer memory")
	}
	return alloc, nil
}

func (a *Allocator) allocateImage(image gpu.Image, flags core1_0.MemoryPropertyFlags) (*Allocation, error) {
	alloc, err := a.Allocate(image.MemoryRequirements(), flags)
	if err != nil {
		return nil, err
	}
	if err := image.BindMemory(alloc.memory, 0); err != nil {
		alloc.Free()
		return nil, errors.Wrap(err, "failed to bind image memory")
	}
	return alloc, nil
}

// Live returns the number and total size of allocations not yet freed.
func (a *Allocator) Live() (count, bytes int) {
	return a.live, a.liveBytes
}

func (a *Allocator) destroy() {
	if a.live > 0 {
		a.log.WithFields(logrus.Fields{
			"allocations": a.live,
			"bytes":       a.liveBytes,
		}).Error("allocator destroyed with live allocations")
	}
}

// Allocation is one block of device memory.
type Allocation struct {
	allocator *Allocator
	memory    gpu.Memory
	size      int
	flags     core1_0.MemoryPropertyFlags
	freed     bool
}

func (m *Allocation) Size() int {
	return m.size
}

func (m *Allocation) HostVisible() bool {
	return m.flags&core1_0.MemoryPropertyHostVisible != 0
}

// Map maps a range of a host-visible allocation.
func (m *Allocation) Map(offset, size int) ([]byte, error) {
	if !m.HostVisible() {
		return nil, errors.New("map of memory that is not host visible")
	}
	data, err := m.memory.Map(offset, size)
	return data, errors.Wrap(err, "failed to map memory")
}

func (m *Allocation) Unmap() {
	m.memory.Unmap()
}

func (m *Allocation) Free() {
	if m.freed {
		return
	}
	m.freed = true
	m.memory.Free()
	m.allocator.live--
	m.allocator.liveBytes -= m.size
}
