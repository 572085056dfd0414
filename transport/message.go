// Package transport carries framed messages between the explorer and the
// worker process.
package transport

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType tags a Message.
type MessageType string

const (
	TypeInit     MessageType = "init"
	TypeReady    MessageType = "ready"
	TypeError    MessageType = "error"
	TypeCall     MessageType = "rpc-call"
	TypeResponse MessageType = "rpc-response"
	TypeEvent    MessageType = "rpc-event"
)

// Message is the unit sent over a Transport. Which fields are set depends on
// Type: init/ready carry Payload, rpc-call carries ID, Method and Args,
// rpc-response carries ID and Result or Error, rpc-event carries Name and
// Args, error carries Error.
//
// Byte slices inside arguments travel base64-encoded, so binary buffers
// survive the round trip.
type Message struct {
	Type    MessageType            `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Method  string                 `json:"method,omitempty"`
	Name    string                 `json:"name,omitempty"`
	Args    []json.RawMessage      `json:"args,omitempty"`
	Result  json.RawMessage        `json:"result,omitempty"`
	Error   *protocol.ErrorPayload `json:"error,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"`
}

// Encode serializes a message into one frame.
func Encode(msg Message) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses one frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// Marshal encodes a value with the transport codec.
func Marshal(v any) (json.RawMessage, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes a value with the transport codec.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// NewPayloadMessage builds an init or ready message.
func NewPayloadMessage(typ MessageType, payload any) (Message, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Message{Type: typ, Payload: raw}, nil
}
