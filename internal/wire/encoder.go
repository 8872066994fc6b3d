package wire

import (
	"encoding/binary"
	"io"

	"github.com/orcaman/writerseeker"
)

// Encoder builds one reply (or request) payload. It mirrors the original
// apt_proto_encoder: a growing buffer that primitives are appended to, with
// every write padded so the cursor stays 4-byte aligned.
//
// We build the payload into a writerseeker.WriterSeeker (teacher's go.mod
// dependency, otherwise unused by the teacher's own source) as a single
// well-tested io.Writer to grow against instead of reimplementing buffer
// growth. The buffer is unexported and only ever appended to; nothing seeks
// in it, and every length prefix is written before the bytes it counts.
type Encoder struct {
	w writerseeker.WriterSeeker
}

// NewEncoder returns a ready-to-use Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Reset clears the encoder for reuse, avoiding a new allocation per request
// (spec.md §4.8's dispatcher resets the response encoder every tick).
func (e *Encoder) Reset() {
	e.w = writerseeker.WriterSeeker{}
}

// Bytes returns the encoded payload so far.
func (e *Encoder) Bytes() []byte {
	b, err := io.ReadAll(e.w.BytesReader())
	if err != nil {
		// BytesReader wraps an in-memory bytes.Reader; reading it cannot fail.
		panic(err)
	}
	return b
}

func roundup4(n int) int {
	return (n + 3) &^ 3
}

func (e *Encoder) writeMemPlusZeros(val []byte, z int) {
	r := roundup4(len(val) + z)
	padded := make([]byte, r)
	copy(padded, val)
	e.w.Write(padded)
}

// Int32 encodes a 4-byte native-endian integer.
func (e *Encoder) Int32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.w.Write(b[:])
}

// Int64 encodes an 8-byte native-endian integer.
func (e *Encoder) Int64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.w.Write(b[:])
}

// String encodes a length-prefixed, null-terminated, 4-byte-padded string.
// A nil-equivalent is signaled with NullString.
func (e *Encoder) String(v string) {
	e.Int32(int32(len(v)))
	e.writeMemPlusZeros([]byte(v), 1)
}

// NullString encodes the null string (length -1, no bytes following).
func (e *Encoder) NullString() {
	e.Int32(-1)
}

// Xexp encodes a tag-tree value, recursively. A nil x encodes as a null
// string tag (decode_xexp on the original decoder treats a null tag as "no
// value").
func (e *Encoder) Xexp(x *Xexp) {
	if x == nil {
		e.NullString()
		return
	}
	e.String(x.Tag)
	if x.IsList() {
		e.Int32(int32(len(x.Children)))
		for _, c := range x.Children {
			e.Xexp(c)
		}
	} else {
		e.Int32(-1)
		text := ""
		if x.Text != nil {
			text = *x.Text
		}
		e.String(text)
	}
}
