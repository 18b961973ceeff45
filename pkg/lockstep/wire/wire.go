// Package wire provides the binary reader/writer pair every lockstep payload is encoded with.
// Primitives are little-endian; byte arrays and strings are prefixed with an int32 length.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/rotisserie/eris"
)

// MaxByteArrayLength bounds length-prefixed arrays so a corrupt prefix cannot force a huge allocation.
const MaxByteArrayLength = 16 << 20

// Reader reads primitives from a lockstep byte stream.
type Reader interface {
	ReadByte() (byte, error)
	ReadBool() (bool, error)
	ReadUint32() (uint32, error)
	ReadInt32() (int32, error)
	ReadInt64() (int64, error)
	ReadBytes(n int) ([]byte, error)
	ReadByteArray() ([]byte, error)
	ReadString() (string, error)
}

// Writer writes primitives to a lockstep byte stream.
type Writer interface {
	WriteByte(b byte) error
	WriteBool(v bool) error
	WriteUint32(v uint32) error
	WriteInt32(v int32) error
	WriteInt64(v int64) error
	WriteBytes(b []byte) error
	WriteByteArray(b []byte) error
	WriteString(s string) error
}

var (
	_ Reader = (*BinaryReader)(nil)
	_ Writer = (*BinaryWriter)(nil)
)

// BinaryReader implements Reader on top of an io.Reader.
type BinaryReader struct {
	r   io.Reader
	buf [8]byte
}

func NewReader(r io.Reader) *BinaryReader {
	return &BinaryReader{r: r}
}

// NewBytesReader reads from an in-memory payload.
func NewBytesReader(data []byte) *BinaryReader {
	return NewReader(bytes.NewReader(data))
}

func (r *BinaryReader) fill(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		return nil, eris.Wrapf(err, "failed to read %d bytes", n)
	}
	return r.buf[:n], nil
}

func (r *BinaryReader) ReadByte() (byte, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *BinaryReader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *BinaryReader) ReadUint32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *BinaryReader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err //nolint:gosec // two's complement reinterpretation
}

func (r *BinaryReader) ReadInt64() (int64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil //nolint:gosec // two's complement reinterpretation
}

func (r *BinaryReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > MaxByteArrayLength {
		return nil, eris.Errorf("invalid byte count %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, eris.Wrapf(err, "failed to read %d bytes", n)
	}
	return b, nil
}

func (r *BinaryReader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, eris.Wrap(err, "failed to read array length")
	}
	return r.ReadBytes(int(n))
}

func (r *BinaryReader) ReadString() (string, error) {
	b, err := r.ReadByteArray()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BinaryWriter implements Writer on top of an io.Writer.
type BinaryWriter struct {
	w   io.Writer
	buf [8]byte
}

func NewWriter(w io.Writer) *BinaryWriter {
	return &BinaryWriter{w: w}
}

func (w *BinaryWriter) flush(n int) error {
	if _, err := w.w.Write(w.buf[:n]); err != nil {
		return eris.Wrapf(err, "failed to write %d bytes", n)
	}
	return nil
}

func (w *BinaryWriter) WriteByte(b byte) error {
	w.buf[0] = b
	return w.flush(1)
}

func (w *BinaryWriter) WriteBool(v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *BinaryWriter) WriteUint32(v uint32) error {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	return w.flush(4)
}

func (w *BinaryWriter) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v)) //nolint:gosec // two's complement reinterpretation
}

func (w *BinaryWriter) WriteInt64(v int64) error {
	binary.LittleEndian.PutUint64(w.buf[:8], uint64(v)) //nolint:gosec // two's complement reinterpretation
	return w.flush(8)
}

func (w *BinaryWriter) WriteBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := w.w.Write(b); err != nil {
		return eris.Wrapf(err, "failed to write %d bytes", len(b))
	}
	return nil
}

func (w *BinaryWriter) WriteByteArray(b []byte) error {
	if len(b) > math.MaxInt32 {
		return eris.Errorf("byte array too long: %d", len(b))
	}
	if err := w.WriteInt32(int32(len(b))); err != nil { //nolint:gosec // checked above
		return err
	}
	return w.WriteBytes(b)
}

func (w *BinaryWriter) WriteString(s string) error {
	return w.WriteByteArray([]byte(s))
}

// Marshal runs fn against an in-memory writer and returns the produced bytes.
func Marshal(fn func(Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := fn(NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
