package render

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

type BufferInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
	// Persistent keeps host-visible memory mapped for the buffer's lifetime.
	// It has no effect on device-local buffers.
	Persistent bool
	// DeviceLocal places the buffer in GPU-only memory. Writes and reads go
	// through a host-visible staging buffer and a transfer queue copy.
	DeviceLocal bool
}

// Buffer is a buffer with its own memory allocation.
type Buffer struct {
	id     uuid.UUID
	device *Device
	info   BufferInfo
	log    logrus.FieldLogger

	handle gpu.Buffer
	memory *Allocation
	mapped []byte

	destroyed bool
}

func NewBuffer(device *Device, info BufferInfo) (*Buffer, error) {
	if info.Size <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", info.Size)
	}

	b := &Buffer{
		id:     uuid.New(),
		device: device,
		info:   info,
	}
	b.log = device.Logger().WithFields(logrus.Fields{
		"buffer":      b.id,
		"size":        info.Size,
		"deviceLocal": info.DeviceLocal,
	})

	createInfo := gpu.BufferInfo{
		Size:        info.Size,
		Usage:       info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	}
	properties := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

	if info.DeviceLocal {
		createInfo.Usage |= core1_0.BufferUsageTransferDst | core1_0.BufferUsageTransferSrc
		properties = core1_0.MemoryPropertyDeviceLocal

		// Copies run on the transfer queue and draws on the graphics queue.
		indices := device.QueueFamilies()
		if families := []int{*indices.GraphicsFamily, *indices.TransferFamily}; families[0] != families[1] {
			createInfo.SharingMode = core1_0.SharingModeConcurrent
			createInfo.QueueFamilies = families
		}
	}

	var err error
	b.handle, err = device.Handle().CreateBuffer(createInfo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer")
	}

	b.memory, err = device.Allocator().allocateBuffer(b.handle, properties)
	if err != nil {
		b.handle.Destroy()
		return nil, err
	}

	if info.Persistent && !info.DeviceLocal {
		b.mapped, err = b.memory.Map(0, info.Size)
		if err != nil {
			b.handle.Destroy()
			b.memory.Free()
			return nil, err
		}
	}

	return b, nil
}

func (b *Buffer) ID() uuid.UUID {
	return b.id
}

func (b *Buffer) Handle() gpu.Buffer {
	return b.handle
}

func (b *Buffer) Size() int {
	return b.info.Size
}

func (b *Buffer) Usage() core1_0.BufferUsageFlags {
	return b.info.Usage
}

func (b *Buffer) Persistent() bool {
	return b.info.Persistent
}

func (b *Buffer) DeviceLocal() bool {
	return b.info.DeviceLocal
}

// span validates a byte range. A size of zero selects the rest of the buffer
// from offset.
func (b *Buffer) span(size, offset int) (int, error) {
	if b.destroyed {
		return 0, errors.Wrapf(ErrDestroyed, "buffer %s", b.id)
	}
	if size == 0 {
		size = b.info.Size - offset
	}
	if offset < 0 || size <= 0 || offset+size > b.info.Size {
		return 0, errors.Wrapf(ErrOutOfRange, "range [%d, %d) of buffer with %d bytes", offset, offset+size, b.info.Size)
	}
	return size, nil
}

// Write copies size bytes of data into the buffer at offset. A size of zero
// writes the rest of the buffer from offset. When Write returns the contents
// are visible to subsequently submitted GPU work.
func (b *Buffer) Write(data []byte, size, offset int) error {
	size, err := b.span(size, offset)
	if err != nil {
		return err
	}
	if len(data) < size {
		return errors.Wrapf(ErrOutOfRange, "write of %d bytes from %d bytes of data", size, len(data))
	}

	if b.info.DeviceLocal {
		return b.writeStaged(data[:size], offset)
	}

	if b.mapped != nil {
		copy(b.mapped[offset:offset+size], data)
		return nil
	}

	mapped, err := b.memory.Map(offset, size)
	if err != nil {
		return err
	}
	copy(mapped, data)
	b.memory.Unmap()
	return nil
}

func (b *Buffer) writeStaged(data []byte, offset int) (err error) {
	staging, err := NewBuffer(b.device, BufferInfo{
		Size:  len(data),
		Usage: core1_0.BufferUsageTransferSrc,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create staging buffer")
	}
	defer func() { discardStaging(staging, err) }()

	err = staging.Write(data, 0, 0)
	if err != nil {
		return err
	}

	err = b.copyBuffer(staging.handle, b.handle, core1_0.BufferCopy{
		SrcOffset: 0,
		DstOffset: offset,
		Size:      len(data),
	})
	if err != nil {
		return err
	}

	b.log.WithField("bytes", len(data)).Debug("staged buffer write")
	return nil
}

// Read copies len(dst) bytes starting at offset out of the buffer. Reads of
// device-local buffers wait for a copy into a staging buffer.
func (b *Buffer) Read(dst []byte, offset int) error {
	if len(dst) == 0 {
		return nil
	}
	size, err := b.span(len(dst), offset)
	if err != nil {
		return err
	}

	if b.info.DeviceLocal {
		return b.readStaged(dst[:size], offset)
	}

	if b.mapped != nil {
		copy(dst, b.mapped[offset:offset+size])
		return nil
	}

	mapped, err := b.memory.Map(offset, size)
	if err != nil {
		return err
	}
	copy(dst, mapped)
	b.memory.Unmap()
	return nil
}

func (b *Buffer) readStaged(dst []byte, offset int) (err error) {
	staging, err := NewBuffer(b.device, BufferInfo{
		Size:  len(dst),
		Usage: core1_0.BufferUsageTransferDst,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create staging buffer")
	}
	defer func() { discardStaging(staging, err) }()

	err = b.copyBuffer(b.handle, staging.handle, core1_0.BufferCopy{
		SrcOffset: offset,
		DstOffset: 0,
		Size:      len(dst),
	})
	if err != nil {
		return err
	}

	return staging.Read(dst, 0)
}

// discardStaging destroys a staging buffer unless the copy that used it never
// completed, in which case the GPU may still read it and it is leaked.
func discardStaging(staging *Buffer, err error) {
	if errors.Is(err, ErrDeviceLost) {
		staging.log.Warn("leaking staging buffer after device loss")
		return
	}
	staging.Destroy()
}

// copyBuffer runs one buffer copy on the transfer queue and waits for it.
func (b *Buffer) copyBuffer(src, dst gpu.Buffer, region core1_0.BufferCopy) error {
	transient, err := NewTransientCommandBuffer(b.device, QueueTransfer)
	if err != nil {
		return err
	}

	cb, err := transient.Get()
	if err != nil {
		return errors.CombineErrors(err, transient.Release())
	}

	err = cb.CopyBuffer(src, dst, region)
	if err != nil {
		return errors.CombineErrors(errors.Wrap(err, "failed to record buffer copy"), transient.Release())
	}

	err = transient.Submit()
	if err != nil {
		return errors.CombineErrors(err, transient.Release())
	}

	return transient.Release()
}

// Destroy releases the buffer and its memory. The caller must make sure the
// GPU no longer uses it.
func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true

	if b.mapped != nil {
		b.memory.Unmap()
		b.mapped = nil
	}
	b.handle.Destroy()
	b.memory.Free()
}
