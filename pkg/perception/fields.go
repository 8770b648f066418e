package perception

import (
	"fmt"
	"sort"
	"strconv"
)

// Context field names as referenced by rule conditions and the reasoner.
const (
	FieldFaceDetected        = "face_detected"
	FieldColorDetected       = "color_detected"
	FieldColorSize           = "color_size"
	FieldQRDetected          = "qr_detected"
	FieldGestureDetected     = "gesture_detected"
	FieldTrafficSignDetected = "traffic_sign_detected"
	FieldVoiceDetected       = "voice_detected"
	FieldVoiceText           = "voice_text"
	FieldObstacleDistance    = "obstacle_distance"
	FieldHasObstacle         = "has_obstacle"
	FieldIdleTime            = "idle_time"
	FieldIsMoving            = "is_moving"
	FieldCurrentSpeed        = "current_speed"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a typed context value: bool, number or string.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number. Integers are widened to float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// ValueOf converts a decoded YAML/JSON scalar into a Value.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case float32:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	case string:
		return String(x), nil
	default:
		return Value{}, fmt.Errorf("perception: unsupported value type %T", v)
	}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload.
func (v Value) Number() float64 { return v.n }

// Str returns the string payload.
func (v Value) Str() string { return v.s }

// Equal compares two values. Values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	default:
		return false
	}
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "<invalid>"
	}
}

// Accessor reads one field from a context. ok is false when the field is absent.
type Accessor func(c Context) (v Value, ok bool)

var accessors = map[string]Accessor{
	FieldFaceDetected:        func(c Context) (Value, bool) { return Bool(c.FaceDetected), true },
	FieldColorDetected:       func(c Context) (Value, bool) { return Bool(c.ColorDetected), true },
	FieldColorSize:           func(c Context) (Value, bool) { return Number(c.ColorSize), true },
	FieldQRDetected:          func(c Context) (Value, bool) { return Bool(c.QRDetected), true },
	FieldGestureDetected:     func(c Context) (Value, bool) { return Bool(c.GestureDetected), true },
	FieldTrafficSignDetected: func(c Context) (Value, bool) { return Bool(c.TrafficSignDetected), true },
	FieldVoiceDetected:       func(c Context) (Value, bool) { return Bool(c.VoiceDetected), true },
	FieldVoiceText: func(c Context) (Value, bool) {
		if !c.VoiceDetected {
			return Value{}, false
		}
		return String(c.VoiceText), true
	},
	FieldObstacleDistance: func(c Context) (Value, bool) {
		if !c.DistanceKnown() {
			return Value{}, false
		}
		return Number(c.ObstacleDistance), true
	},
	FieldHasObstacle:  func(c Context) (Value, bool) { return Bool(c.HasObstacle), true },
	FieldIdleTime:     func(c Context) (Value, bool) { return Number(c.IdleTime), true },
	FieldIsMoving:     func(c Context) (Value, bool) { return Bool(c.IsMoving), true },
	FieldCurrentSpeed: func(c Context) (Value, bool) { return Number(float64(c.CurrentSpeed)), true },
}

func missing(Context) (Value, bool) { return Value{}, false }

// AccessorFor returns the accessor for field. Unknown fields get an accessor that
// always reports the field as absent; known reports whether the field exists.
func AccessorFor(field string) (a Accessor, known bool) {
	if a, ok := accessors[field]; ok {
		return a, true
	}
	return missing, false
}

// Lookup reads a field by name.
func (c Context) Lookup(field string) (Value, bool) {
	a, _ := AccessorFor(field)
	return a(c)
}

// Fields lists every known field name in sorted order.
func Fields() []string {
	names := make([]string, 0, len(accessors))
	for name := range accessors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
