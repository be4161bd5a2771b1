package network

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// ErrBadCheckpoint is returned when a checkpoint file is malformed, truncated or
// of an unsupported version.
var ErrBadCheckpoint = errors.New("bad checkpoint")

const (
	formatMajor = 1
	formatMinor = 0

	// limits applied to headers before any allocation
	maxInputSize    = 4096
	maxChannels     = 4096
	maxLayerWeights = 1 << 26
)

// Checkpoint is the training metadata stored alongside the weights.
type Checkpoint struct {
	Epoch          int     `json:"epoch"`
	ValidationLoss float64 `json:"validation_loss"`
}

// Binary layout of a checkpoint file:
//   - All data is little-endian
//   - 4 bytes of magic/version:
//   - 69 (ASCII E), uint8
//   - 68 (ASCII D), uint8
//   - major version, uint8
//   - minor version, uint8
//
// - uint32 input size, uint32 block count, uint32 channels per block
// - uint32 hidden size, uint32 embedding size
// - float64 dropout, momentum, epsilon
// - uint32 epoch, float64 validation loss
// - every parameter of Params() in order as uint32 length + float64 values
// - batch norm running mean and variance per block, same encoding
//
// Values are stored as float64 bits so a reload reproduces embeddings exactly.

// WriteTo serializes the network and its checkpoint metadata.
func (n *Network) WriteTo(w io.Writer, meta Checkpoint) error {
	bw := bufio.NewWriter(w)
	cw := &binWriter{w: bw}

	cw.bytes([]byte{'E', 'D', formatMajor, formatMinor})
	cw.u32(uint32(n.cfg.InputSize))
	cw.u32(uint32(len(n.cfg.Channels)))
	for _, ch := range n.cfg.Channels {
		cw.u32(uint32(ch))
	}
	cw.u32(uint32(n.cfg.Hidden))
	cw.u32(uint32(n.cfg.EmbeddingDim))
	cw.f64(n.cfg.Dropout)
	cw.f64(n.cfg.Momentum)
	cw.f64(n.cfg.Epsilon)
	cw.u32(uint32(meta.Epoch))
	cw.f64(meta.ValidationLoss)

	for _, p := range n.Params() {
		cw.slice(p.Value)
	}
	for _, bn := range n.norms {
		cw.slice(bn.RunMean)
		cw.slice(bn.RunVar)
	}
	if cw.err != nil {
		return cw.err
	}
	return bw.Flush()
}

// Save writes the network to path through a temporary file in the same
// directory, so a reader never observes a partially written checkpoint.
func (n *Network) Save(path string, meta Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := n.WriteTo(tmp, meta); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Read deserializes a network written by WriteTo.
func Read(r io.Reader, exec Exec) (*Network, Checkpoint, error) {
	cr := &binReader{r: bufio.NewReader(r)}

	magic := cr.bytes(4)
	if cr.err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, cr.err)
	}
	if magic[0] != 'E' || magic[1] != 'D' {
		return nil, Checkpoint{}, fmt.Errorf("%w: magic word does not match", ErrBadCheckpoint)
	}
	if magic[2] != formatMajor {
		return nil, Checkpoint{}, fmt.Errorf("%w: unsupported version %d.%d", ErrBadCheckpoint, magic[2], magic[3])
	}

	var cfg Config
	cfg.InputSize = int(cr.u32())
	blocks := cr.u32()
	if cr.err == nil && (blocks == 0 || blocks > 16) {
		return nil, Checkpoint{}, fmt.Errorf("%w: %d conv blocks", ErrBadCheckpoint, blocks)
	}
	for i := uint32(0); i < blocks && cr.err == nil; i++ {
		ch := cr.u32()
		if ch > maxChannels {
			return nil, Checkpoint{}, fmt.Errorf("%w: %d channels in block %d", ErrBadCheckpoint, ch, i+1)
		}
		cfg.Channels = append(cfg.Channels, int(ch))
	}
	cfg.Hidden = int(cr.u32())
	cfg.EmbeddingDim = int(cr.u32())
	cfg.Dropout = cr.f64()
	cfg.Momentum = cr.f64()
	cfg.Epsilon = cr.f64()

	var meta Checkpoint
	meta.Epoch = int(cr.u32())
	meta.ValidationLoss = cr.f64()
	if cr.err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, cr.err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	if cfg.InputSize > maxInputSize || cfg.FlatSize()*cfg.Hidden > maxLayerWeights || cfg.Hidden*cfg.EmbeddingDim > maxLayerWeights {
		return nil, Checkpoint{}, fmt.Errorf("%w: implausible topology %+v", ErrBadCheckpoint, cfg)
	}

	n, err := New(cfg, exec, 0)
	if err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	for _, p := range n.Params() {
		cr.sliceInto(p.Name, p.Value)
	}
	for _, bn := range n.norms {
		cr.sliceInto("running_mean", bn.RunMean)
		cr.sliceInto("running_var", bn.RunVar)
	}
	if cr.err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, cr.err)
	}
	return n, meta, nil
}

// Load reads a checkpoint file.
func Load(path string, exec Exec) (*Network, Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Checkpoint{}, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	n, meta, err := Read(f, exec)
	if err != nil {
		return nil, Checkpoint{}, fmt.Errorf("%s: %w", path, err)
	}
	return n, meta, nil
}

// binWriter remembers the first write error.
type binWriter struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (b *binWriter) bytes(p []byte) {
	if b.err == nil {
		_, b.err = b.w.Write(p)
	}
}

func (b *binWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(b.buf[:4], v)
	b.bytes(b.buf[:4])
}

func (b *binWriter) f64(v float64) {
	binary.LittleEndian.PutUint64(b.buf[:], math.Float64bits(v))
	b.bytes(b.buf[:])
}

func (b *binWriter) slice(data []float64) {
	b.u32(uint32(len(data)))
	for _, v := range data {
		b.f64(v)
	}
}

// binReader remembers the first read error.
type binReader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (b *binReader) bytes(n int) []byte {
	p := make([]byte, n)
	if b.err == nil {
		_, b.err = io.ReadFull(b.r, p)
	}
	return p
}

func (b *binReader) u32() uint32 {
	if b.err != nil {
		return 0
	}
	_, b.err = io.ReadFull(b.r, b.buf[:4])
	return binary.LittleEndian.Uint32(b.buf[:4])
}

func (b *binReader) f64() float64 {
	if b.err != nil {
		return 0
	}
	_, b.err = io.ReadFull(b.r, b.buf[:])
	return math.Float64frombits(binary.LittleEndian.Uint64(b.buf[:]))
}

func (b *binReader) sliceInto(name string, dst []float64) {
	size := b.u32()
	if b.err != nil {
		return
	}
	if int(size) != len(dst) {
		b.err = fmt.Errorf("%s: got %d values, want %d", name, size, len(dst))
		return
	}
	for i := range dst {
		dst[i] = b.f64()
	}
}
