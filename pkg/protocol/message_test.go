package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-picar/pkg/perception"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{"distance", TypeDistance, DistanceData{CM: 42}, false},
		{"nil data", TypePing, nil, false},
		{"unmarshalable", TypeVision, make(chan int), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestFrameMessage(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}
	msg, err := NewFrameMessage(640, 480, jpeg, 7)
	if err != nil {
		t.Fatalf("NewFrameMessage() error = %v", err)
	}

	raw, _ := msg.Bytes()
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	frame, err := Decode[FrameData](parsed, TypeFrame)
	if err != nil {
		t.Fatalf("Decode Frame error = %v", err)
	}
	if frame.Format != "jpeg" || frame.FrameID != 7 {
		t.Errorf("frame = %+v", frame)
	}
	decoded, err := frame.JPEG()
	if err != nil {
		t.Fatalf("JPEG() error = %v", err)
	}
	if string(decoded) != string(jpeg) {
		t.Errorf("decoded %x, want %x", decoded, jpeg)
	}
}

func TestVisionMessage(t *testing.T) {
	report := VisionData{
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FrameWidth: 640,
		Faces:      []perception.Detection{{Kind: perception.KindFace, X: 320, Y: 200, Width: 80, Height: 90}},
		Colors:     []perception.Detection{{Kind: perception.KindColor, Label: "red", Width: 30, Height: 20}},
	}
	msg, err := NewVisionMessage(report)
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := msg.Bytes()
	parsed, _ := ParseMessage(raw)
	got, err := Decode[VisionData](parsed, TypeVision)
	if err != nil {
		t.Fatalf("Decode Vision error = %v", err)
	}
	if !got.Timestamp.Equal(report.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, report.Timestamp)
	}
	if x, y, ok := got.Center(perception.KindFace); !ok || x != 320 || y != 200 {
		t.Errorf("face centre = (%v, %v, %v)", x, y, ok)
	}
	if got.Colors[0].Area() != 600 {
		t.Errorf("colour area = %v, want 600", got.Colors[0].Area())
	}
}

func TestSensorMessages(t *testing.T) {
	msg, _ := NewTranscriptMessage("adelante")
	tr, err := Decode[TranscriptData](msg, TypeTranscript)
	if err != nil || tr.Text != "adelante" {
		t.Errorf("transcript = %+v, %v", tr, err)
	}

	msg, _ = NewDistanceMessage(-1)
	d, err := Decode[DistanceData](msg, TypeDistance)
	if err != nil || d.CM != -1 {
		t.Errorf("distance = %+v, %v", d, err)
	}

	msg, _ = NewHelloMessage("car-1", "1.0")
	h, err := Decode[HelloData](msg, TypeHello)
	if err != nil || h.RobotID != "car-1" {
		t.Errorf("hello = %+v, %v", h, err)
	}
}

func TestPingPongMessage(t *testing.T) {
	ping, err := NewPingMessage("abc")
	if err != nil {
		t.Fatal(err)
	}
	pd, err := Decode[PingData](ping, TypePing)
	if err != nil {
		t.Fatal(err)
	}
	if pd.Timestamp == 0 {
		t.Error("ping timestamp should be set")
	}

	pd.Timestamp -= 25
	pong, err := NewPongMessage(pd)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode[PongData](pong, TypePong)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "abc" {
		t.Errorf("pong id = %q", got.ID)
	}
	if got.LatencyMs < 25 {
		t.Errorf("latency = %d, want >= 25", got.LatencyMs)
	}
}

func TestCycleMessage(t *testing.T) {
	msg, _ := NewCycleMessage(CycleData{
		RunID:   "run",
		Seq:     3,
		Mode:    "exploration",
		Actions: []string{"stop"},
		Verdict: "emergency_stop",
		Errors:  []string{"dispatch move_forward: motor"},
	})

	var wire map[string]any
	raw, _ := msg.Bytes()
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["type"] != "cycle" {
		t.Errorf("type = %v", wire["type"])
	}
	data := wire["data"].(map[string]any)
	if data["verdict"] != "emergency_stop" {
		t.Errorf("verdict = %v", data["verdict"])
	}
	if _, ok := data["overrun"]; ok {
		t.Error("overrun should be omitted when false")
	}
}

func TestParseInvalidMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "hello"},
		{"no type", `{"data": {}}`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.in)); err == nil {
				t.Error("ParseMessage() should fail")
			}
		})
	}
}

func TestParseDataErrors(t *testing.T) {
	msg := &Message{Type: TypeDistance}
	if _, err := Decode[DistanceData](msg, TypeDistance); err == nil || !strings.Contains(err.Error(), "no data") {
		t.Errorf("missing data error = %v", err)
	}

	msg = &Message{Type: TypeDistance, Data: json.RawMessage(`{"cm": "far"}`)}
	if _, err := Decode[DistanceData](msg, TypeDistance); err == nil {
		t.Error("wrong type should fail")
	}

	msg, _ = NewTranscriptMessage("hola")
	if _, err := Decode[DistanceData](msg, TypeDistance); !errors.Is(err, ErrUnexpectedType) {
		t.Errorf("mismatched type error = %v", err)
	}
}

func BenchmarkParseMessage(b *testing.B) {
	msg, _ := NewVisionMessage(VisionData{Faces: []perception.Detection{{X: 1, Y: 2, Width: 3, Height: 4}}})
	raw, _ := msg.Bytes()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ParseMessage(raw)
	}
}
