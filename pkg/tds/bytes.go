// Package tds implements the TDS (Tabular Data Stream) wire protocol used
// by Microsoft SQL Server, from the client side: packet framing, the
// prelogin/login handshake, the token-stream response parser, and the
// fixed/variable-length type codec.
//
// This implementation is grounded in observing the wire behaviour of
// SQL Server against go-mssqldb and sqlcmd, in the same spirit as the
// aul project's server-side TDS package.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	tdserrors "github.com/ha1tch/gotds/pkg/errors"
)

// Reader wraps a byte source with the little/big-endian primitive reads
// and TDS string conventions the wire format needs.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// NewReader wraps r for TDS-primitive reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rd *Reader) fill(n int) ([]byte, error) {
	b := rd.buf[:n]
	if _, err := io.ReadFull(rd.r, b); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, tdserrors.UnexpectedEOF()
		}
		return nil, err
	}
	return b, nil
}

// Byte reads a single byte.
func (rd *Reader) Byte() (byte, error) {
	b, err := rd.fill(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bytes reads n raw bytes.
func (rd *Reader) Bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(rd.r, out); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, tdserrors.UnexpectedEOF()
		}
		return nil, err
	}
	return out, nil
}

// Skip discards n bytes.
func (rd *Reader) Skip(n int) error {
	_, err := rd.Bytes(n)
	return err
}

// Uint16LE reads a little-endian uint16.
func (rd *Reader) Uint16LE() (uint16, error) {
	b, err := rd.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint16BE reads a big-endian uint16.
func (rd *Reader) Uint16BE() (uint16, error) {
	b, err := rd.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Int16LE reads a little-endian int16.
func (rd *Reader) Int16LE() (int16, error) {
	v, err := rd.Uint16LE()
	return int16(v), err
}

// Uint32LE reads a little-endian uint32.
func (rd *Reader) Uint32LE() (uint32, error) {
	b, err := rd.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint32BE reads a big-endian uint32.
func (rd *Reader) Uint32BE() (uint32, error) {
	b, err := rd.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Int32LE reads a little-endian int32.
func (rd *Reader) Int32LE() (int32, error) {
	v, err := rd.Uint32LE()
	return int32(v), err
}

// Uint64LE reads a little-endian uint64.
func (rd *Reader) Uint64LE() (uint64, error) {
	b, err := rd.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int64LE reads a little-endian int64.
func (rd *Reader) Int64LE() (int64, error) {
	v, err := rd.Uint64LE()
	return int64(v), err
}

// BVarchar reads a B_VARCHAR: 1-byte character count followed by 2*N
// bytes of UTF-16LE.
func (rd *Reader) BVarchar() (string, error) {
	n, err := rd.Byte()
	if err != nil {
		return "", err
	}
	return rd.fixedVarchar(int(n))
}

// USVarchar reads a US_VARCHAR: 2-byte LE character count followed by
// 2*N bytes of UTF-16LE.
func (rd *Reader) USVarchar() (string, error) {
	n, err := rd.Uint16LE()
	if err != nil {
		return "", err
	}
	return rd.fixedVarchar(int(n))
}

// fixedVarchar reads n characters (2*n bytes) of UTF-16LE, the count
// having already been read by the caller.
func (rd *Reader) fixedVarchar(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	b, err := rd.Bytes(n * 2)
	if err != nil {
		return "", err
	}
	return DecodeUTF16LE(b)
}

// DecodeUTF16LE decodes a UTF-16LE byte slice to a Go string.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", tdserrors.NewConversionError(fmt.Sprintf("odd byte length %d for UTF-16LE string", len(b)))
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16)), nil
}

// EncodeUTF16LE encodes a Go string to UTF-16LE bytes.
func EncodeUTF16LE(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// Writer accumulates TDS-primitive writes into a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Byte appends a single byte.
func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// Raw appends raw bytes.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Uint16LE appends a little-endian uint16.
func (w *Writer) Uint16LE(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Uint16BE appends a big-endian uint16.
func (w *Writer) Uint16BE(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Uint32LE appends a little-endian uint32.
func (w *Writer) Uint32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Uint32BE appends a big-endian uint32.
func (w *Writer) Uint32BE(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Int32LE appends a little-endian int32.
func (w *Writer) Int32LE(v int32) { w.Uint32LE(uint32(v)) }

// Uint64LE appends a little-endian uint64.
func (w *Writer) Uint64LE(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Int64LE appends a little-endian int64.
func (w *Writer) Int64LE(v int64) { w.Uint64LE(uint64(v)) }

// BVarchar appends a B_VARCHAR: 1-byte character count then UTF-16LE.
func (w *Writer) BVarchar(s string) {
	u := EncodeUTF16LE(s)
	w.Byte(byte(len(u) / 2))
	w.Raw(u)
}

// USVarchar appends a US_VARCHAR: 2-byte LE character count then UTF-16LE.
func (w *Writer) USVarchar(s string) {
	u := EncodeUTF16LE(s)
	w.Uint16LE(uint16(len(u) / 2))
	w.Raw(u)
}
