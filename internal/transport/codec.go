package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame so a corrupt or hostile length
// prefix can never trigger an unbounded allocation.
const MaxFrameBytes = 16 << 20 // 16 MiB

// WriteFrame writes msg as a 4-byte big-endian length prefix followed
// by its JSON encoding (spec.md §6: "each frame is a 4-byte
// big-endian length prefix followed by that many bytes of payload").
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(body), MaxFrameBytes)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into a
// Message. It returns io.EOF unmodified when the connection is closed
// before a header is read, so callers can distinguish a clean
// disconnect from a protocol error.
func ReadFrame(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("transport: truncated frame header: %w", err)
		}
		return Message{}, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameBytes {
		return Message{}, fmt.Errorf("transport: frame of %d bytes exceeds max %d", size, MaxFrameBytes)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("transport: read frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("transport: decode message: %w", err)
	}
	return msg, nil
}
