package csvscope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Protocol constants
const (
	// ProtocolVersion is the current version of the binary frame protocol
	ProtocolVersion byte = 1

	// Message type constants
	MessageTypeFrame    byte = 0x01
	MessageTypeMetadata byte = 0x02
	MessageTypeError    byte = 0x03

	// Header size in bytes
	EnvelopeHeaderSize = 8

	// Fixed part of a FRAME payload: step, flags, length and four float64 stats.
	frameFixedSize = 4 + 4 + 4 + 4*8

	frameFlagPlaying uint32 = 1 << 0
)

// EnvelopeHeader represents the message envelope header
type EnvelopeHeader struct {
	Version  byte
	Reserved [2]byte // Reserved for future use
	Type     byte
	Length   uint32 // Payload length in bytes
}

// FrameMessage represents a FRAME message payload (type 0x01)
type FrameMessage struct {
	Step    int32
	Playing bool
	Length  uint32 // Number of points in the window

	Min      float64
	Max      float64
	Avg      float64
	Variance float64

	X        []float64
	Y        []float64
	MoeUpper []float64
	MoeLower []float64
}

// ErrorMessage represents an ERROR message payload (type 0x03)
type ErrorMessage struct {
	Msg string
}

// WSMessage represents a complete websocket message with header and payload
type WSMessage struct {
	Header  EnvelopeHeader
	Payload interface{} // One of: FrameMessage, Metadata, ErrorMessage
}

// Converts a published update to its FRAME payload. The wire format limits the
// step to int32 and the window to MaxUint32 points; updates beyond either are
// rejected rather than truncated.
func NewFrameMessage(update FrameUpdate) (FrameMessage, error) {
	frame := update.Frame
	if update.Step < math.MinInt32 || update.Step > math.MaxInt32 {
		return FrameMessage{}, fmt.Errorf("step %d does not fit in a FRAME message", update.Step)
	}
	if uint64(len(frame.Xs)) > math.MaxUint32 {
		return FrameMessage{}, fmt.Errorf("window of %d points does not fit in a FRAME message", len(frame.Xs))
	}

	return FrameMessage{
		Step:     int32(update.Step),
		Playing:  update.Playing,
		Length:   uint32(len(frame.Xs)),
		Min:      frame.Min,
		Max:      frame.Max,
		Avg:      frame.Avg,
		Variance: frame.Variance,
		X:        frame.Xs,
		Y:        frame.Ys,
		MoeUpper: frame.MoeUpper,
		MoeLower: frame.MoeLower,
	}, nil
}

// EncodeEnvelopeHeader encodes the envelope header into a byte slice
func EncodeEnvelopeHeader(env EnvelopeHeader) []byte {
	buf := make([]byte, EnvelopeHeaderSize)
	buf[0] = env.Version
	buf[1] = env.Reserved[0]
	buf[2] = env.Reserved[1]
	buf[3] = env.Type
	binary.LittleEndian.PutUint32(buf[4:8], env.Length)
	return buf
}

// DecodeEnvelopeHeader decodes the envelope header from a byte slice
// Returns the envelope and an error if the buffer is too short
func DecodeEnvelopeHeader(buf []byte) (EnvelopeHeader, error) {
	if len(buf) < EnvelopeHeaderSize {
		return EnvelopeHeader{}, fmt.Errorf("buffer too short: expected at least %d bytes, got %d", EnvelopeHeaderSize, len(buf))
	}

	env := EnvelopeHeader{
		Version: buf[0],
		Type:    buf[3],
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	env.Reserved[0] = buf[1]
	env.Reserved[1] = buf[2]

	return env, nil
}

func putFloats(buf []byte, values []float64) []byte {
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(v))
		buf = buf[8:]
	}
	return buf
}

func readFloats(buf []byte, n uint32) ([]float64, []byte) {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:8]))
		buf = buf[8:]
	}
	return values, buf
}

// EncodeFrameMessage encodes a FRAME message payload
// Returns error if the four arrays don't all match Length
func EncodeFrameMessage(msg FrameMessage) ([]byte, error) {
	arrays := []struct {
		name   string
		values []float64
	}{
		{"X", msg.X},
		{"Y", msg.Y},
		{"MoeUpper", msg.MoeUpper},
		{"MoeLower", msg.MoeLower},
	}
	for _, array := range arrays {
		if uint64(len(array.values)) != uint64(msg.Length) {
			return nil, fmt.Errorf("Length field (%d) doesn't match %s array length (%d)", msg.Length, array.name, len(array.values))
		}
	}

	payloadSize := frameFixedSize + int(msg.Length)*8*4
	buf := make([]byte, payloadSize)

	var flags uint32
	if msg.Playing {
		flags |= frameFlagPlaying
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.Step))
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], msg.Length)

	rest := putFloats(buf[12:], []float64{msg.Min, msg.Max, msg.Avg, msg.Variance})
	rest = putFloats(rest, msg.X)
	rest = putFloats(rest, msg.Y)
	rest = putFloats(rest, msg.MoeUpper)
	putFloats(rest, msg.MoeLower)

	return buf, nil
}

// DecodeFrameMessage decodes a FRAME message payload
func DecodeFrameMessage(buf []byte) (FrameMessage, error) {
	if len(buf) < frameFixedSize {
		return FrameMessage{}, fmt.Errorf("buffer too short for FRAME message: expected at least %d bytes, got %d", frameFixedSize, len(buf))
	}

	flags := binary.LittleEndian.Uint32(buf[4:8])
	msg := FrameMessage{
		Step:    int32(binary.LittleEndian.Uint32(buf[0:4])),
		Playing: flags&frameFlagPlaying != 0,
		Length:  binary.LittleEndian.Uint32(buf[8:12]),
	}

	// Validate buffer size
	expectedSize := uint64(frameFixedSize) + uint64(msg.Length)*8*4
	if uint64(len(buf)) != expectedSize {
		return FrameMessage{}, fmt.Errorf("buffer size mismatch: expected %d bytes for %d points, got %d", expectedSize, msg.Length, len(buf))
	}

	stats, rest := readFloats(buf[12:], 4)
	msg.Min, msg.Max, msg.Avg, msg.Variance = stats[0], stats[1], stats[2], stats[3]

	msg.X, rest = readFloats(rest, msg.Length)
	msg.Y, rest = readFloats(rest, msg.Length)
	msg.MoeUpper, rest = readFloats(rest, msg.Length)
	msg.MoeLower, _ = readFloats(rest, msg.Length)

	return msg, nil
}

// Length-prefixed JSON, shared by the METADATA and ERROR payloads.
func encodeJSONPayload(v interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Payload: JSON Length (4 bytes) + JSON data
	buf := make([]byte, 4+len(jsonData))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(jsonData)))
	copy(buf[4:], jsonData)

	return buf, nil
}

func decodeJSONPayload(buf []byte, kind string, v interface{}) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for %s message: expected at least 4 bytes, got %d", kind, len(buf))
	}

	jsonLength := binary.LittleEndian.Uint32(buf[0:4])

	// Validate buffer size
	expectedSize := 4 + uint64(jsonLength)
	if uint64(len(buf)) != expectedSize {
		return fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	if err := json.Unmarshal(buf[4:], v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}

	return nil
}

// EncodeMetadataMessage encodes a METADATA message payload
func EncodeMetadataMessage(metadata Metadata) ([]byte, error) {
	buf, err := encodeJSONPayload(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return buf, nil
}

// DecodeMetadataMessage decodes a METADATA message payload
func DecodeMetadataMessage(buf []byte) (Metadata, error) {
	var metadata Metadata
	if err := decodeJSONPayload(buf, "METADATA", &metadata); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// EncodeErrorMessage encodes an ERROR message payload
func EncodeErrorMessage(msg ErrorMessage) ([]byte, error) {
	buf, err := encodeJSONPayload(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error message: %w", err)
	}
	return buf, nil
}

// DecodeErrorMessage decodes an ERROR message payload
func DecodeErrorMessage(buf []byte) (ErrorMessage, error) {
	var msg ErrorMessage
	if err := decodeJSONPayload(buf, "ERROR", &msg); err != nil {
		return ErrorMessage{}, err
	}
	return msg, nil
}

// EncodeWSMessage encodes a WSMessage into a complete message byte slice
// Returns error if payload encoding fails or if payload type is invalid
func EncodeWSMessage(msg WSMessage) ([]byte, error) {
	var payload []byte
	var err error

	// Encode payload based on message type
	switch msg.Header.Type {
	case MessageTypeFrame:
		frameMsg, ok := msg.Payload.(FrameMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected FrameMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeFrameMessage(frameMsg)
	case MessageTypeMetadata:
		metadata, ok := msg.Payload.(Metadata)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected Metadata for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeMetadataMessage(metadata)
	case MessageTypeError:
		errMsg, ok := msg.Payload.(ErrorMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected ErrorMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeErrorMessage(errMsg)
	default:
		return nil, fmt.Errorf("unknown message type: 0x%02x", msg.Header.Type)
	}

	if err != nil {
		return nil, err
	}

	// Update header length to match actual payload size
	msg.Header.Length = uint32(len(payload))

	// Combine header and payload
	fullMsg := make([]byte, 0, EnvelopeHeaderSize+len(payload))
	fullMsg = append(fullMsg, EncodeEnvelopeHeader(msg.Header)...)
	fullMsg = append(fullMsg, payload...)

	return fullMsg, nil
}

// DecodeWSMessage decodes a complete message (envelope + payload) into a WSMessage
// Returns error if buffer is too short or payload decoding fails
func DecodeWSMessage(buf []byte) (WSMessage, error) {
	env, err := DecodeEnvelopeHeader(buf)
	if err != nil {
		return WSMessage{}, err
	}

	// Validate full message size
	expectedSize := uint64(EnvelopeHeaderSize) + uint64(env.Length)
	if uint64(len(buf)) < expectedSize {
		return WSMessage{}, fmt.Errorf("buffer too short: expected %d bytes (header + payload), got %d", expectedSize, len(buf))
	}

	payloadBytes := buf[EnvelopeHeaderSize:expectedSize]

	// Decode payload based on message type
	var payload interface{}
	switch env.Type {
	case MessageTypeFrame:
		payload, err = DecodeFrameMessage(payloadBytes)
	case MessageTypeMetadata:
		payload, err = DecodeMetadataMessage(payloadBytes)
	case MessageTypeError:
		payload, err = DecodeErrorMessage(payloadBytes)
	default:
		return WSMessage{}, fmt.Errorf("unknown message type: 0x%02x", env.Type)
	}

	if err != nil {
		return WSMessage{}, err
	}

	return WSMessage{
		Header:  env,
		Payload: payload,
	}, nil
}

// Encodes a complete FRAME message (envelope + payload) for update.
func EncodeFrameUpdate(update FrameUpdate) ([]byte, error) {
	msg, err := NewFrameMessage(update)
	if err != nil {
		return nil, err
	}

	return EncodeWSMessage(WSMessage{
		Header:  EnvelopeHeader{Version: ProtocolVersion, Type: MessageTypeFrame},
		Payload: msg,
	})
}
