package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize is the fixed length prefix on every envelope: an 8-byte
// big-endian unsigned count of the payload bytes that follow. The byte order
// is part of the cross-implementation contract.
const FrameHeaderSize = 8

// ErrFrameTooLarge means the header announced a payload above the configured
// limit. The connection is unrecoverable at that point because the stream
// position is inside a frame that will never be read.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// WriteFrame writes one length-prefixed payload. Callers must serialize
// writes per connection; two interleaved frames corrupt the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads exactly one length-prefixed payload. A clean close before
// any header byte returns io.EOF; a close mid-header or mid-payload returns
// ErrTruncated. maxSize of 0 disables the size check.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial length header", ErrTruncated)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint64(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed before %d payload bytes", ErrTruncated, size)
		}
		return nil, err
	}

	return payload, nil
}
