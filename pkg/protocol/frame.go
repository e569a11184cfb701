package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/Manu343726/stubdbg/pkg/utils"
)

var (
	// ErrUnsupportedCommand is returned for opcodes outside the expected namespace
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrMalformedFrame is returned when a payload does not match its opcode
	ErrMalformedFrame = errors.New("malformed frame")
)

// MaxPayload is the largest payload a frame can carry
const MaxPayload = math.MaxUint16

const headerSize = 3

// Frame is one unit of the wire protocol
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// WriteFrame writes a frame in a single Write call, so frames written by
// concurrent writers sharing a lock are never interleaved.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return utils.MakeError(ErrMalformedFrame, "%s payload too large (%d bytes)", f.Opcode, len(f.Payload))
	}

	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Opcode)
	binary.LittleEndian.PutUint16(buf[1:headerSize], uint16(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame. It returns io.EOF only on a clean frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{Opcode: Opcode(header[0])}
	length := binary.LittleEndian.Uint16(header[1:])
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}

	return f, nil
}
