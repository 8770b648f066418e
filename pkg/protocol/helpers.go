package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// NewHelloMessage creates a hello message.
func NewHelloMessage(robotID, version string) (*Message, error) {
	return NewMessage(TypeHello, HelloData{RobotID: robotID, Version: version})
}

// NewFrameMessage creates a frame message from raw JPEG data
func NewFrameMessage(width, height int, jpegData []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:   width,
		Height:  height,
		Format:  "jpeg",
		Data:    base64.StdEncoding.EncodeToString(jpegData),
		FrameID: frameID,
	})
}

// NewVisionMessage creates a vision message.
func NewVisionMessage(r VisionData) (*Message, error) {
	return NewMessage(TypeVision, r)
}

// NewTranscriptMessage creates a transcript message.
func NewTranscriptMessage(text string) (*Message, error) {
	return NewMessage(TypeTranscript, TranscriptData{Text: text})
}

// NewDistanceMessage creates a distance message.
func NewDistanceMessage(cm float64) (*Message, error) {
	return NewMessage(TypeDistance, DistanceData{CM: cm})
}

// NewCycleMessage creates a cycle message.
func NewCycleMessage(c CycleData) (*Message, error) {
	return NewMessage(TypeCycle, c)
}

// NewStatusMessage creates a status message.
func NewStatusMessage(s StatusData) (*Message, error) {
	return NewMessage(TypeStatus, s)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(msg string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Message: msg})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage answers ping.
func NewPongMessage(ping PingData) (*Message, error) {
	now := time.Now().UnixMilli()
	return NewMessage(TypePong, PongData{
		ID:        ping.ID,
		PingTS:    ping.Timestamp,
		PongTS:    now,
		LatencyMs: now - ping.Timestamp,
	})
}

// ErrUnexpectedType is returned by Decode when a message carries another
// payload than the caller asked for.
var ErrUnexpectedType = errors.New("protocol: unexpected message type")

// Decode unmarshals the payload of m, which must be of type want.
//
//	d, err := protocol.Decode[protocol.DistanceData](msg, protocol.TypeDistance)
func Decode[T any](m *Message, want MessageType) (T, error) {
	var v T
	if m.Type != want {
		return v, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, m.Type, want)
	}
	if err := m.ParseData(&v); err != nil {
		return v, err
	}
	return v, nil
}

// JPEG returns the decoded image bytes.
func (f FrameData) JPEG() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}
