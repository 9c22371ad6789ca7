package device

import (
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

var allocatedBytes int64

// Buffer is one GPU storage buffer with its byte length recorded alongside
// the handle.
type Buffer struct {
	id   uint32
	size int
}

// NewBuffer allocates an uninitialized dynamic storage buffer of byteLen
// bytes.
func (c *Context) NewBuffer(byteLen int) *Buffer {
	b := &Buffer{id: genBuffer(byteLen, nil, false), size: byteLen}
	recordAlloc(int64(byteLen))
	return b
}

// NewStaticBuffer uploads data once into an immutable-usage buffer; weight
// tensors use this.
func (c *Context) NewStaticBuffer(data []float32) *Buffer {
	byteLen := len(data) * 4
	var p unsafe.Pointer
	if len(data) > 0 {
		p = unsafe.Pointer(&data[0])
	}
	b := &Buffer{id: genBuffer(byteLen, p, true), size: byteLen}
	recordAlloc(int64(byteLen))
	return b
}

func (b *Buffer) Size() int { return b.size }

// SubDataF32 updates a sub-range of the buffer from host floats; the
// embedding row lands in the residual buffer this way each step.
func (b *Buffer) SubDataF32(floatOff int, data []float32) {
	if len(data) == 0 {
		return
	}
	bufferSubData(b.id, floatOff*4, len(data)*4, unsafe.Pointer(&data[0]))
}

// CopyTo copies n floats into dst at the given float offsets; the KV cache
// rows are written with this.
func (b *Buffer) CopyTo(dst *Buffer, srcFloatOff, dstFloatOff, n int) {
	copyBufferRange(b.id, dst.id, srcFloatOff*4, dstFloatOff*4, n*4)
}

// ReadFloats maps the buffer for reading and copies len(out) floats to the
// host. This is a sync point: it waits for all prior dispatches.
func (b *Buffer) ReadFloats(out []float32) error {
	return mapReadFloats(b.id, len(out), out)
}

func (b *Buffer) Free() {
	if b.id != 0 {
		deleteBuffer(b.id)
		recordAlloc(-int64(b.size))
		b.id = 0
	}
}

func recordAlloc(delta int64) {
	metrics.RecordGPUMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes reports the bytes currently allocated across all buffers.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}
