package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload schemas form a closed set: one fixed shape per message type.
// Unknown fields are rejected rather than ignored so protocol drift between
// client and server surfaces immediately.

// RegisterPayload initiates a session on the control channel. An empty
// RoomID maps to the default room.
type RegisterPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
}

// UserEntry is one roster line in a USER_LIST broadcast.
type UserEntry struct {
	Username string `json:"username"`
	IP       string `json:"ip"`
}

type UserListPayload struct {
	Users []UserEntry `json:"users"`
}

// Chat kinds distinguish ordinary messages from server-originated ones.
const (
	ChatKindMessage         = ""
	ChatKindError           = "error"
	ChatKindDeliveryConfirm = "delivery_confirm"
	ChatKindFileAnnounce    = "file_announce"
)

// SystemSender marks chat payloads originated by the server itself.
const SystemSender = "SYSTEM"

type ChatPayload struct {
	Sender    string  `json:"sender"`
	Target    string  `json:"target"`
	Text      string  `json:"text"`
	RoomID    string  `json:"room_id"`
	Timestamp float64 `json:"timestamp"`
	Kind      string  `json:"kind,omitempty"`
}

// FileMetadataPayload declares an upload or describes a download.
type FileMetadataPayload struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Target   string `json:"target"`
}

// FileNamePayload carries upload/download requests and success acks.
type FileNamePayload struct {
	Name string `json:"name"`
}

// FileErrorPayload carries FILE_ACK_FAILURE reasons.
type FileErrorPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func DecodeRegister(data []byte) (RegisterPayload, error) {
	var p RegisterPayload
	err := decodeStrict(data, &p)
	return p, err
}

func DecodeUserList(data []byte) (UserListPayload, error) {
	var p UserListPayload
	err := decodeStrict(data, &p)
	return p, err
}

func DecodeChat(data []byte) (ChatPayload, error) {
	var p ChatPayload
	err := decodeStrict(data, &p)
	return p, err
}

func DecodeFileMetadata(data []byte) (FileMetadataPayload, error) {
	var p FileMetadataPayload
	err := decodeStrict(data, &p)
	return p, err
}

func DecodeFileName(data []byte) (FileNamePayload, error) {
	var p FileNamePayload
	err := decodeStrict(data, &p)
	return p, err
}

func DecodeFileError(data []byte) (FileErrorPayload, error) {
	var p FileErrorPayload
	err := decodeStrict(data, &p)
	return p, err
}

// MarshalPayload encodes any of the payload structs above.
func MarshalPayload(p interface{}) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return data, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	// A payload is exactly one JSON value.
	if dec.More() {
		return fmt.Errorf("protocol: decode payload: trailing data")
	}
	return nil
}
