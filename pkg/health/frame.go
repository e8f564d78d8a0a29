package health

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xiaden/nomarr/pkg/types"
)

// maxFrameSize bounds one heartbeat frame on the wire. Frames are tiny;
// anything larger means a corrupt or misbehaving pipe.
const maxFrameSize = 64 * 1024

// WriteFrame writes one length-prefixed msgpack frame.
func WriteFrame(w io.Writer, f types.Frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame. io.EOF is returned
// unwrapped when the pipe closes cleanly between frames.
func ReadFrame(r io.Reader) (types.Frame, error) {
	var f types.Frame
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return f, io.EOF
		}
		return f, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxFrameSize {
		return f, fmt.Errorf("bad frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return f, fmt.Errorf("read frame payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
