package errplot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Protocol constants
const (
	// ProtocolVersion is the current version of the WS2 protocol
	ProtocolVersion byte = 1

	// Message type constants
	MessageTypeGeometry  byte = 0x01
	MessageTypeMetadata  byte = 0x02
	MessageTypeStreamEnd byte = 0x03
	MessageTypeHover     byte = 0x04

	// Header size in bytes
	EnvelopeHeaderSize = 8
)

// EnvelopeHeader represents the message envelope header
type EnvelopeHeader struct {
	Version  byte
	Reserved [2]byte // Reserved for future use
	Type     byte
	Length   uint32 // Payload length in bytes
}

// GeometryMessage represents a GEOMETRY message payload (type 0x01). The
// payload is packed numerics: one X/Y/YLow/YHigh quad per sample, where X is
// the position, Y the mean and YLow/YHigh the error bar endpoints.
type GeometryMessage struct {
	Seq        uint64
	Count      uint32 // Number of samples
	LowerBound float64
	X          []float64
	Y          []float64
	YLow       []float64
	YHigh      []float64
}

// StreamEndMessage represents a STREAM_END message payload (type 0x03)
type StreamEndMessage struct {
	Error bool
	Msg   string
}

// WSMessage represents a complete websocket message with header and payload
type WSMessage struct {
	Header  EnvelopeHeader
	Payload interface{} // One of: GeometryMessage, Metadata, StreamEndMessage, HoverSource
}

// GeometryMessageFromUpdate packs an update snapshot into the numeric wire
// form.
func GeometryMessageFromUpdate(data GeometryUpdateData) GeometryMessage {
	n := len(data.Geometry.Points)

	msg := GeometryMessage{
		Seq:        data.Seq,
		Count:      uint32(n),
		LowerBound: data.Geometry.SuggestedLowerBound,
		X:          make([]float64, n),
		Y:          make([]float64, n),
		YLow:       make([]float64, n),
		YHigh:      make([]float64, n),
	}

	for i, point := range data.Geometry.Points {
		msg.X[i] = point.X
		msg.Y[i] = point.Y
	}

	for i, segment := range data.Geometry.Segments {
		msg.YLow[i] = segment.Y[0]
		msg.YHigh[i] = segment.Y[1]
	}

	return msg
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

// EncodeGeometryMessage encodes a GEOMETRY message payload
// Returns an error if the arrays don't match the Count field
func EncodeGeometryMessage(msg GeometryMessage) ([]byte, error) {
	if len(msg.X) != len(msg.Y) || len(msg.X) != len(msg.YLow) || len(msg.X) != len(msg.YHigh) {
		return nil, fmt.Errorf("geometry arrays must have same length: X=%d, Y=%d, YLow=%d, YHigh=%d", len(msg.X), len(msg.Y), len(msg.YLow), len(msg.YHigh))
	}
	if uint32(len(msg.X)) != msg.Count {
		return nil, fmt.Errorf("Count field (%d) doesn't match array length (%d)", msg.Count, len(msg.X))
	}

	// Payload: Seq(8) + Count(4) + LowerBound(8) + four float64 arrays
	payloadSize := 20 + (msg.Count * 8 * 4)
	buf := make([]byte, payloadSize)

	binary.LittleEndian.PutUint64(buf[0:8], msg.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], msg.Count)
	binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(msg.LowerBound))

	offset := 20
	for _, arr := range [][]float64{msg.X, msg.Y, msg.YLow, msg.YHigh} {
		for _, v := range arr {
			binary.LittleEndian.PutUint64(buf[offset:offset+8], math.Float64bits(v))
			offset += 8
		}
	}

	return buf, nil
}

// DecodeGeometryMessage decodes a GEOMETRY message payload
func DecodeGeometryMessage(buf []byte) (GeometryMessage, error) {
	if len(buf) < 20 {
		return GeometryMessage{}, fmt.Errorf("buffer too short for GEOMETRY message: expected at least 20 bytes, got %d", len(buf))
	}

	msg := GeometryMessage{
		Seq:        binary.LittleEndian.Uint64(buf[0:8]),
		Count:      binary.LittleEndian.Uint32(buf[8:12]),
		LowerBound: math.Float64frombits(binary.LittleEndian.Uint64(buf[12:20])),
	}

	// Validate buffer size
	expectedSize := 20 + (msg.Count * 8 * 4)
	if uint32(len(buf)) != expectedSize {
		return GeometryMessage{}, fmt.Errorf("buffer size mismatch: expected %d bytes for %d samples, got %d", expectedSize, msg.Count, len(buf))
	}

	offset := 20
	arrays := []*[]float64{&msg.X, &msg.Y, &msg.YLow, &msg.YHigh}
	for _, arr := range arrays {
		*arr = make([]float64, msg.Count)
		for i := uint32(0); i < msg.Count; i++ {
			bits := binary.LittleEndian.Uint64(buf[offset : offset+8])
			(*arr)[i] = math.Float64frombits(bits)
			offset += 8
		}
	}

	return msg, nil
}

// The METADATA, HOVER and STREAM_END payloads are all length-prefixed JSON:
// JSON length (4 bytes) + JSON data.

func encodeJSONPayload(v interface{}, what string) ([]byte, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", what, err)
	}

	payloadSize := 4 + len(jsonData)
	buf := make([]byte, payloadSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(jsonData)))
	copy(buf[4:], jsonData)

	return buf, nil
}

func decodeJSONPayload(buf []byte, what string, v interface{}) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for %s message: expected at least 4 bytes, got %d", what, len(buf))
	}

	jsonLength := binary.LittleEndian.Uint32(buf[0:4])

	// Validate buffer size
	expectedSize := 4 + jsonLength
	if uint32(len(buf)) != expectedSize {
		return fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	if err := json.Unmarshal(buf[4:], v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}

	return nil
}

// EncodeMetadataMessage encodes a METADATA message payload
func EncodeMetadataMessage(metadata Metadata) ([]byte, error) {
	return encodeJSONPayload(metadata, "metadata")
}

// DecodeMetadataMessage decodes a METADATA message payload
func DecodeMetadataMessage(buf []byte) (Metadata, error) {
	var metadata Metadata
	if err := decodeJSONPayload(buf, "METADATA", &metadata); err != nil {
		return Metadata{}, err
	}

	return metadata, nil
}

// EncodeHoverMessage encodes a HOVER message payload
func EncodeHoverMessage(hover HoverSource) ([]byte, error) {
	return encodeJSONPayload(hover, "hover source")
}

// DecodeHoverMessage decodes a HOVER message payload
func DecodeHoverMessage(buf []byte) (HoverSource, error) {
	var hover HoverSource
	if err := decodeJSONPayload(buf, "HOVER", &hover); err != nil {
		return HoverSource{}, err
	}

	return hover, nil
}

// EncodeStreamEndMessage encodes a STREAM_END message payload
func EncodeStreamEndMessage(msg StreamEndMessage) ([]byte, error) {
	return encodeJSONPayload(msg, "stream end message")
}

// DecodeStreamEndMessage decodes a STREAM_END message payload
func DecodeStreamEndMessage(buf []byte) (StreamEndMessage, error) {
	var msg StreamEndMessage
	if err := decodeJSONPayload(buf, "STREAM_END", &msg); err != nil {
		return StreamEndMessage{}, err
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
	case MessageTypeGeometry:
		geometryMsg, ok := msg.Payload.(GeometryMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected GeometryMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeGeometryMessage(geometryMsg)
		if err != nil {
			return nil, err
		}
	case MessageTypeMetadata:
		metadata, ok := msg.Payload.(Metadata)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected Metadata for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeMetadataMessage(metadata)
		if err != nil {
			return nil, err
		}
	case MessageTypeHover:
		hover, ok := msg.Payload.(HoverSource)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected HoverSource for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeHoverMessage(hover)
		if err != nil {
			return nil, err
		}
	case MessageTypeStreamEnd:
		streamEnd, ok := msg.Payload.(StreamEndMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected StreamEndMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeStreamEndMessage(streamEnd)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown message type: 0x%02x", msg.Header.Type)
	}

	// Update header length to match actual payload size
	msg.Header.Length = uint32(len(payload))

	// Encode header
	header := EncodeEnvelopeHeader(msg.Header)

	// Combine header and payload
	fullMsg := make([]byte, len(header)+len(payload))
	copy(fullMsg, header)
	copy(fullMsg[len(header):], payload)

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
	expectedSize := EnvelopeHeaderSize + env.Length
	if uint32(len(buf)) < expectedSize {
		return WSMessage{}, fmt.Errorf("buffer too short: expected %d bytes (header + payload), got %d", expectedSize, len(buf))
	}

	payloadBytes := buf[EnvelopeHeaderSize : EnvelopeHeaderSize+env.Length]

	// Decode payload based on message type
	var payload interface{}
	switch env.Type {
	case MessageTypeGeometry:
		geometryMsg, err := DecodeGeometryMessage(payloadBytes)
		if err != nil {
			return WSMessage{}, err
		}
		payload = geometryMsg
	case MessageTypeMetadata:
		metadata, err := DecodeMetadataMessage(payloadBytes)
		if err != nil {
			return WSMessage{}, err
		}
		payload = metadata
	case MessageTypeHover:
		hover, err := DecodeHoverMessage(payloadBytes)
		if err != nil {
			return WSMessage{}, err
		}
		payload = hover
	case MessageTypeStreamEnd:
		streamEnd, err := DecodeStreamEndMessage(payloadBytes)
		if err != nil {
			return WSMessage{}, err
		}
		payload = streamEnd
	default:
		return WSMessage{}, fmt.Errorf("unknown message type: 0x%02x", env.Type)
	}

	return WSMessage{
		Header:  env,
		Payload: payload,
	}, nil
}
