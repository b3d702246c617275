package companion

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Tag identifies the payload kind of a framed message. Tags are exactly
// four ASCII bytes on the wire.
type Tag string

const (
	TagFrame    Tag = "FRAM" // JPEG image
	TagLocation Tag = "LOC " // UTF-8 JSON location fix
)

// HeaderSize is the tag plus the big-endian uint32 length.
const HeaderSize = 8

// DefaultMaxPayload bounds ReadMessage allocations.
const DefaultMaxPayload = 16 << 20

var (
	// ErrBadTag is returned for tags that are not four bytes long.
	ErrBadTag = errors.New("companion: tag must be 4 bytes")

	// ErrTooLarge is returned when a payload exceeds the allowed size.
	ErrTooLarge = errors.New("companion: payload too large")
)

// Message is one decoded frame of the stream.
type Message struct {
	Tag     Tag
	Payload []byte
}

// Encode builds the wire form: tag, length, payload.
func Encode(tag Tag, payload []byte) ([]byte, error) {
	if len(tag) != 4 {
		return nil, fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], tag)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// ReadMessage reads one message from r. Payloads above maxPayload are
// rejected before allocation; maxPayload <= 0 uses DefaultMaxPayload.
// A clean end of stream before the header returns io.EOF.
func ReadMessage(r io.Reader, maxPayload int) (Message, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if uint64(n) > uint64(maxPayload) {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, fmt.Errorf("companion: read payload: %w", err)
	}
	return Message{Tag: Tag(hdr[0:4]), Payload: payload}, nil
}
