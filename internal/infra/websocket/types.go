// Package websocket streams scan progress events to subscribed clients.
package websocket

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType defines the type of WebSocket message.
type MessageType string

const (
	// Client -> Server messages
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	// Server -> Client messages
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeEvent        MessageType = "event"
	MessageTypeError        MessageType = "error"
)

// Message is the base WebSocket message structure.
type Message struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage creates a new message with current timestamp.
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithChannel sets the channel for the message.
func (m *Message) WithChannel(channel string) *Message {
	m.Channel = channel
	return m
}

// WithData sets the data for the message.
func (m *Message) WithData(data any) *Message {
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			m.Data = raw
		}
	}
	return m
}

// WithRequestID sets the request ID for the message.
func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// SubscribeRequest is the data of a subscribe or unsubscribe message.
type SubscribeRequest struct {
	Channel   string `json:"channel"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorData represents error information sent to client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to clients.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnknownType    = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeInvalidChannel = "INVALID_CHANNEL"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeLimitExceeded  = "SUBSCRIPTION_LIMIT"
)

// ChannelType represents the type of channel.
type ChannelType string

const (
	// ChannelTypeScan carries the progress of one scan: scan:{scan_id}.
	ChannelTypeScan ChannelType = "scan"
	// ChannelTypeScans carries the progress of every scan: scans:all.
	ChannelTypeScans ChannelType = "scans"
)

// AllScansChannel receives every progress event.
const AllScansChannel = string(ChannelTypeScans) + ":all"

// ParseChannel extracts the channel type and ID from a channel string.
// Channel format: "{type}:{id}" e.g., "scan:5f0c...".
func ParseChannel(channel string) (ChannelType, string) {
	typ, id, ok := strings.Cut(channel, ":")
	if !ok {
		return "", channel
	}
	return ChannelType(typ), id
}

// MakeChannel creates a channel string from type and ID.
func MakeChannel(channelType ChannelType, id string) string {
	return string(channelType) + ":" + id
}

// ScanChannel returns the channel of one scan.
func ScanChannel(scanID string) string {
	return MakeChannel(ChannelTypeScan, scanID)
}
