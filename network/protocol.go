// Package network carries the tag's GATT exchange over TCP so the session protocol
// can run against an emulated peer on the local network.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size.
	MaxFrameSize = 64 * 1024
	// MaxAttributeValue is the largest characteristic value ATT allows.
	MaxAttributeValue = 512
)

const (
	TypeDiscover         = "discover"
	TypeDiscoverResponse = "discover_response"
	TypeWrite            = "write"
	TypeAck              = "ack"
	TypeError            = "error"
	TypeDisconnect       = "disconnect"
)

const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
)

const (
	ErrorCodeNotFound  = "not_found"
	ErrorCodeRejected  = "rejected"
	ErrorCodeMalformed = "malformed"
	ErrorCodeBusy      = "busy"
	ErrorCodeProtocol  = "protocol"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// DiscoverRequest asks the peer whether it exposes a service/characteristic pair.
type DiscoverRequest struct {
	Type               string `json:"type"`
	RequestID          string `json:"request_id"`
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	ProtocolVersion    int    `json:"protocol_version"`
}

// DiscoverResponse answers a DiscoverRequest.
type DiscoverResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	PeerName  string `json:"peer_name,omitempty"`
}

// WriteRequest writes Value to a characteristic and expects an ack.
type WriteRequest struct {
	Type               string `json:"type"`
	RequestID          string `json:"request_id"`
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	Value              []byte `json:"value"`
	Timestamp          int64  `json:"timestamp"`
}

// AckMessage confirms a write.
type AckMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a rejected request.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals a graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RemoteError is returned when the peer answers with an ErrorMessage.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope extracts the type and request ID from a payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, ErrInvalidMessageType
	}
	return envelope, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func writeMessage(conn net.Conn, message any, deadline time.Time) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return WriteFrame(conn, payload)
}
