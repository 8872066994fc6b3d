// Package wire implements the worker's framed request/response codec (spec
// C1): a fixed {command, sequence, length} header followed by a
// length-prefixed payload of primitives and xexp trees.
//
// Integers are native-endian; the teacher's squashfs reader
// (internal/squashfs/reader.go in distr1/distri) reads fixed-size headers
// with encoding/binary the same way we do here.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// byteOrder matches the historical worker's use of the host's native int
// representation; we fix it to little-endian, the only architecture this
// worker ships on.
var byteOrder = binary.LittleEndian

// FrameHeader is the fixed 12-byte prefix of every frame.
type FrameHeader struct {
	Command  int32
	Sequence int32
	Length   int32
}

const frameHeaderSize = 12

// WriteFrame writes a complete frame (header + payload) to w.
func WriteFrame(w io.Writer, command int32, sequence int32, payload []byte) error {
	hdr := FrameHeader{Command: command, Sequence: sequence, Length: int32(len(payload))}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, byteOrder, &hdr); err != nil {
		return xerrors.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := bw.Write(payload); err != nil {
			return xerrors.Errorf("writing frame payload: %w", err)
		}
	}
	return bw.Flush()
}

// ReadFrameHeader reads just the fixed header, blocking until available.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var hdr FrameHeader
	if err := binary.Read(r, byteOrder, &hdr); err != nil {
		return FrameHeader{}, err // propagate io.EOF unchanged for callers
	}
	return hdr, nil
}

// ReadFramePayload reads exactly hdr.Length bytes into buf (re-using it via
// the small-buffer convention described in SmallBuf) and returns the slice of
// buf holding the payload.
func ReadFramePayload(r io.Reader, hdr FrameHeader, buf []byte) ([]byte, error) {
	if hdr.Length < 0 {
		return nil, xerrors.Errorf("negative frame length %d", hdr.Length)
	}
	if int32(cap(buf)) < hdr.Length {
		buf = make([]byte, hdr.Length)
	}
	buf = buf[:hdr.Length]
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, xerrors.Errorf("reading frame payload: %w", err)
		}
	}
	return buf, nil
}
