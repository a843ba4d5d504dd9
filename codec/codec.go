// Package codec centralizes the compact binary encoding of stored entities.
//
// The format is a breaking-change boundary: field order is fixed per schema
// version, strings and slices are length-prefixed, tagged variants begin with
// a 1-byte discriminant, and all integers are little-endian. Embeddings are
// encoded separately as raw little-endian float32 so the hot path never pays
// per-field framing.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when a record ends before its declared content.
var ErrTruncated = errors.New("codec: truncated record")

// ErrBadDiscriminant is returned for an unknown 1-byte variant tag.
var ErrBadDiscriminant = errors.New("codec: unknown discriminant")

// maxSliceLen guards length prefixes against corrupt records allocating
// unbounded memory.
const maxSliceLen = 1 << 24

// Writer appends fixed-order binary fields to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) Bool(v bool)  { w.buf = append(w.buf, b2u(v)) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }

// Raw16 writes a fixed 16-byte value (uuid-shaped ids).
func (w *Writer) Raw16(v [16]byte) { w.buf = append(w.buf, v[:]...) }

// String writes a u32 length prefix followed by the UTF-8 bytes.
func (w *Writer) String(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// StringSlice writes a u32 count followed by each string.
func (w *Writer) StringSlice(ss []string) {
	w.U32(uint32(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

func b2u(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Reader consumes fixed-order binary fields from a buffer. The first error
// sticks; callers check Err once after reading all fields.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over the given record bytes.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) Raw16() [16]byte {
	var v [16]byte
	b := r.take(16)
	if b != nil {
		copy(v[:], b)
	}
	return v
}

func (r *Reader) StringVal() string {
	n := r.U32()
	if r.err != nil {
		return ""
	}
	if n > maxSliceLen {
		r.err = fmt.Errorf("%w: string length %d", ErrTruncated, n)
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *Reader) StringSlice() []string {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if n > maxSliceLen {
		r.err = fmt.Errorf("%w: slice length %d", ErrTruncated, n)
		return nil
	}
	if n == 0 {
		return nil
	}
	ss := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		ss = append(ss, r.StringVal())
		if r.err != nil {
			return nil
		}
	}
	return ss
}

// EncodeVector encodes an embedding as raw little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 0, len(v)*4)
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// DecodeVector decodes raw little-endian float32 bytes.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: vector byte length %d", ErrTruncated, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
