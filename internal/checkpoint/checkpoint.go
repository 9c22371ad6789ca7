// Package checkpoint memory-maps a Llama-2 float32 checkpoint and exposes
// the weight tensors as slices into the mapping.
//
// File layout, little-endian: seven int32s (dim, hidden_dim, n_layers,
// n_heads, n_kv_heads, vocab_size, seq_len), then the float32 tensors in a
// fixed order. A negative vocab_size marks an unshared classifier weight.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

const headerSize = 7 * 4

// Weights is the full tensor set, each a view into the mapped file.
type Weights struct {
	TokenEmbedding []float32 // (vocab_size, dim), stays host-resident
	RMSAtt         []float32 // (layers, dim)
	WQ, WK, WV, WO []float32 // (layers, dim, dim)
	RMSFFN         []float32 // (layers, dim)
	W1, W3         []float32 // (layers, hidden_dim, dim)
	W2             []float32 // (layers, dim, hidden_dim)
	RMSFinal       []float32 // (dim)
	FreqCisReal    []float32 // (seq_len, head_size/2)
	FreqCisImag    []float32 // (seq_len, head_size/2)
	WCls           []float32 // (vocab_size, dim); aliases TokenEmbedding when shared
}

type Model struct {
	Config  config.Config
	Weights Weights

	data []byte // mmap region, nil after Close
}

// Load maps the checkpoint read-only and slices out the weight tensors.
// The mapping stays live until Close; the embedding table is read from it
// on every step.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}
	if st.Size() < headerSize {
		return nil, fmt.Errorf("checkpoint %s too short: %d bytes", path, st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap checkpoint: %w", err)
	}

	m := &Model{data: data}
	if err := m.parse(); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return m, nil
}

func (m *Model) parse() error {
	hdr := make([]int32, 7)
	for i := range hdr {
		hdr[i] = int32(binary.LittleEndian.Uint32(m.data[i*4:]))
	}

	c := config.Config{
		Dim:       int(hdr[0]),
		HiddenDim: int(hdr[1]),
		Layers:    int(hdr[2]),
		Heads:     int(hdr[3]),
		KVHeads:   int(hdr[4]),
		VocabSize: int(hdr[5]),
		SeqLen:    int(hdr[6]),
	}
	// Negative vocab_size signals an unshared classifier tensor at the tail.
	c.SharedWeights = c.VocabSize > 0
	if c.VocabSize < 0 {
		c.VocabSize = -c.VocabSize
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("checkpoint header: %w", err)
	}
	m.Config = c

	floats := floatView(m.data[headerSize:])
	headSize := c.HeadSize()

	r := tensorReader{data: floats}
	w := &m.Weights
	w.TokenEmbedding = r.next(c.VocabSize * c.Dim)
	w.RMSAtt = r.next(c.Layers * c.Dim)
	w.WQ = r.next(c.Layers * c.Dim * c.Dim)
	w.WK = r.next(c.Layers * c.Dim * c.Dim)
	w.WV = r.next(c.Layers * c.Dim * c.Dim)
	w.WO = r.next(c.Layers * c.Dim * c.Dim)
	w.RMSFFN = r.next(c.Layers * c.Dim)
	w.W1 = r.next(c.Layers * c.Dim * c.HiddenDim)
	w.W2 = r.next(c.Layers * c.HiddenDim * c.Dim)
	w.W3 = r.next(c.Layers * c.Dim * c.HiddenDim)
	w.RMSFinal = r.next(c.Dim)
	w.FreqCisReal = r.next(c.SeqLen * headSize / 2)
	w.FreqCisImag = r.next(c.SeqLen * headSize / 2)
	if c.SharedWeights {
		w.WCls = w.TokenEmbedding
	} else {
		w.WCls = r.next(c.VocabSize * c.Dim)
	}
	if r.err != nil {
		return fmt.Errorf("checkpoint truncated: %w", r.err)
	}
	return nil
}

// Close releases the mapping. Weight slices are invalid afterwards.
func (m *Model) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.Weights = Weights{}
	return err
}

type tensorReader struct {
	data []float32
	off  int
	err  error
}

func (r *tensorReader) next(n int) []float32 {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("need %d floats at offset %d, have %d", n, r.off, len(r.data))
		return nil
	}
	s := r.data[r.off : r.off+n]
	r.off += n
	return s
}

// floatView reinterprets the mapped bytes as float32s. The mapping is page
// aligned and the header is a multiple of 4, so alignment holds.
func floatView(b []byte) []float32 {
	n := len(b) / 4
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}
