// Package protocol defines the WebSocket messages exchanged between the car,
// the controller and telemetry clients.
//
// Sensor messages (frame, vision, transcript, distance) flow from the car to
// the controller's bridge. Cycle and status messages flow from the controller
// to anyone watching.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-picar/pkg/perception"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Car → controller
	TypeHello      MessageType = "hello"      // Car identifies itself
	TypeFrame      MessageType = "frame"      // JPEG frame for onboard detection
	TypeVision     MessageType = "vision"     // Pre-computed detection report
	TypeTranscript MessageType = "transcript" // Completed utterance
	TypeDistance   MessageType = "distance"   // Ultrasonic reading

	// Controller → clients
	TypeCycle  MessageType = "cycle"  // One completed control cycle
	TypeStatus MessageType = "status" // Scheduler status
	TypeError  MessageType = "error"  // Rejected message

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// ParseData unmarshals the message data into v.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return fmt.Errorf("protocol: %s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("protocol: %s data: %w", m.Type, err)
	}
	return nil
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: message has no type")
	}
	return &msg, nil
}

// =============================================================================
// Car → controller
// =============================================================================

// HelloData introduces a car to the bridge.
type HelloData struct {
	RobotID string `json:"robot_id"`
	Version string `json:"version,omitempty"`
}

// FrameData contains a camera frame
type FrameData struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"` // "jpeg"
	Data    string `json:"data"`   // base64 encoded
	FrameID uint64 `json:"frame_id,omitempty"`
}

// VisionData is a detection report computed on the car.
type VisionData = perception.Report

// TranscriptData is one completed utterance.
type TranscriptData struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// DistanceData is an ultrasonic reading in cm. Non-positive means no echo.
type DistanceData struct {
	CM float64 `json:"cm"`
}

// =============================================================================
// Controller → clients
// =============================================================================

// CycleData summarises one control cycle.
type CycleData struct {
	RunID      string             `json:"run_id"`
	Seq        uint64             `json:"seq"`
	Mode       string             `json:"mode"`
	Context    perception.Context `json:"context"`
	Proposed   []string           `json:"proposed"`
	Fallback   bool               `json:"fallback,omitempty"`
	Actions    []string           `json:"actions"`
	Verdict    string             `json:"verdict"`
	Errors     []string           `json:"errors,omitempty"`
	DurationMs float64            `json:"duration_ms"`
	Overrun    bool               `json:"overrun,omitempty"`
}

// StatusData reports whether the loop is running and in which mode.
type StatusData struct {
	Running  bool   `json:"running"`
	Mode     string `json:"mode"`
	RunID    string `json:"run_id,omitempty"`
	Provider string `json:"provider"`
	Cycles   uint64 `json:"cycles"`
}

// ErrorData explains why a message was rejected.
type ErrorData struct {
	Message string `json:"message"`
}

// =============================================================================
// Bidirectional
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
