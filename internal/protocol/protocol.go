// Package protocol implements the fixed binary envelope shared by every
// channel of the collaboration server, plus the typed JSON payloads carried
// inside it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Version is the only protocol version this server speaks.
	Version uint8 = 1

	// HeaderSize is the fixed envelope header size in bytes:
	// version:u8, type:u8, payload length:u32, sequence:u16, reserved:u16,
	// all multi-byte integers big-endian.
	HeaderSize = 10

	// MaxPayloadSize bounds non-chunk payloads. File chunk payloads are
	// bounded separately by MaxChunkSize.
	MaxPayloadSize = 1 << 20

	// MaxChunkSize is the largest FILE_CHUNK payload.
	MaxChunkSize = 32 * 1024
)

type MessageType uint8

const (
	// Control channel (TCP 5000)
	Register   MessageType = 0x01
	Heartbeat  MessageType = 0x02
	UserList   MessageType = 0x03
	Disconnect MessageType = 0x04
	Chat       MessageType = 0x10

	// File transfer channel (TCP 5002)
	FileMetadata        MessageType = 0x20
	FileChunk           MessageType = 0x21
	FileRequestUpload   MessageType = 0x22
	FileRequestDownload MessageType = 0x23
	FileAckSuccess      MessageType = 0x24
	FileAckFailure      MessageType = 0x25
	// Reserved by earlier protocol revisions; availability announcements
	// are delivered as Chat payloads of kind "file_announce".
	FileNotifyAvailable MessageType = 0x26

	// Screen share channel (TCP 5003)
	ScreenFrame MessageType = 0x30
	ScreenStart MessageType = 0x31
	ScreenStop  MessageType = 0x32

	// Media channels (UDP 6000/6001)
	StreamVideo MessageType = 0x40
	StreamAudio MessageType = 0x41
)

var messageTypeNames = map[MessageType]string{
	Register:            "REGISTER",
	Heartbeat:           "HEARTBEAT",
	UserList:            "USER_LIST",
	Disconnect:          "DISCONNECT",
	Chat:                "CHAT",
	FileMetadata:        "FILE_METADATA",
	FileChunk:           "FILE_CHUNK",
	FileRequestUpload:   "FILE_REQUEST_UPLOAD",
	FileRequestDownload: "FILE_REQUEST_DOWNLOAD",
	FileAckSuccess:      "FILE_ACK_SUCCESS",
	FileAckFailure:      "FILE_ACK_FAILURE",
	FileNotifyAvailable: "FILE_NOTIFY_AVAILABLE",
	ScreenFrame:         "SCREEN_FRAME",
	ScreenStart:         "SCREEN_START",
	ScreenStop:          "SCREEN_STOP",
	StreamVideo:         "STREAM_VIDEO",
	StreamAudio:         "STREAM_AUDIO",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

var (
	ErrShortDatagram      = errors.New("protocol: datagram shorter than header")
	ErrLengthMismatch     = errors.New("protocol: payload length does not match")
	ErrVersionMismatch    = errors.New("protocol: unsupported protocol version")
	ErrPayloadTooLarge    = errors.New("protocol: payload exceeds maximum size")
	errTruncatedPayload   = errors.New("protocol: truncated payload")
)

// Envelope is one decoded wire message. Immutable once constructed; the
// sequence number is a per-sender monotonic diagnostic hint, delivery order
// is not guaranteed on the unreliable channels.
type Envelope struct {
	Version  uint8
	Type     MessageType
	Sequence uint16
	Payload  []byte
}

// Encode packs a message into a single wire frame.
func Encode(t MessageType, seq uint16, payload []byte) ([]byte, error) {
	limit := MaxPayloadSize
	if t == FileChunk {
		limit = MaxChunkSize
	}
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), t)
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = Version
	frame[1] = uint8(t)
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint16(frame[6:8], seq)
	// frame[8:10] reserved, zero
	copy(frame[HeaderSize:], payload)

	return frame, nil
}

// ReadEnvelope assembles one complete envelope from a reliable byte stream,
// buffering across partial reads. TCP gives no message boundaries, so the
// header is read in full before the payload length is trusted.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	env, length, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	if length > 0 {
		env.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, env.Payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, errTruncatedPayload
			}
			return nil, err
		}
	}

	return env, nil
}

// DecodeDatagram decodes exactly one envelope from a single datagram. A
// datagram smaller than the header or whose length field does not match the
// remaining bytes is malformed; the caller drops it without affecting other
// packets.
func DecodeDatagram(data []byte) (*Envelope, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortDatagram
	}

	env, length, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if int(length) != len(data)-HeaderSize {
		return nil, ErrLengthMismatch
	}

	env.Payload = data[HeaderSize:]

	return env, nil
}

func parseHeader(header []byte) (*Envelope, uint32, error) {
	version := header[0]
	if version != Version {
		return nil, 0, fmt.Errorf("%w: got %d", ErrVersionMismatch, version)
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, length)
	}

	return &Envelope{
		Version:  version,
		Type:     MessageType(header[1]),
		Sequence: binary.BigEndian.Uint16(header[6:8]),
	}, length, nil
}
