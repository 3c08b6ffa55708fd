// Package wire encodes overlay snapshots in protobuf wire format.
//
//	message Rect {
//	  double width = 1;
//	  double height = 2;
//	  double left = 3;
//	  double bottom = 4;
//	}
//
//	message Detection {
//	  string id = 1;
//	  string class_name = 2;
//	  double confidence = 3;
//	  Rect rect = 4;
//	  string color = 5;
//	  double opacity = 6;
//	  bool enlarged = 7;
//	}
//
//	message OverlayEvent {
//	  string session_id = 1;
//	  int64 frame_index = 2;
//	  double media_time = 3;
//	  repeated Detection detections = 4;
//	}
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Rect mirrors geometry.Rect on the wire.
type Rect struct {
	Width  float64
	Height float64
	Left   float64
	Bottom float64
}

// Detection is one displayed detection.
type Detection struct {
	ID         string
	ClassName  string
	Confidence float64
	Rect       Rect
	Color      string
	Opacity    float64
	Enlarged   bool
}

// OverlayEvent is the state pushed to rendering clients after a change.
type OverlayEvent struct {
	SessionID  string
	FrameIndex int64
	MediaTime  float64
	Detections []Detection
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// MarshalRect encodes r.
func MarshalRect(r Rect) []byte {
	var b []byte
	b = appendDouble(b, 1, r.Width)
	b = appendDouble(b, 2, r.Height)
	b = appendDouble(b, 3, r.Left)
	b = appendDouble(b, 4, r.Bottom)
	return b
}

// MarshalDetection encodes d.
func MarshalDetection(d Detection) []byte {
	var b []byte
	b = appendString(b, 1, d.ID)
	b = appendString(b, 2, d.ClassName)
	b = appendDouble(b, 3, d.Confidence)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, MarshalRect(d.Rect))
	b = appendString(b, 5, d.Color)
	b = appendDouble(b, 6, d.Opacity)
	if d.Enlarged {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Marshal encodes e.
func Marshal(e *OverlayEvent) []byte {
	var b []byte
	b = appendString(b, 1, e.SessionID)
	if e.FrameIndex != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.FrameIndex))
	}
	b = appendDouble(b, 3, e.MediaTime)
	for _, d := range e.Detections {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalDetection(d))
	}
	return b
}

// Unmarshal decodes an OverlayEvent. Unknown fields are skipped.
func Unmarshal(b []byte) (*OverlayEvent, error) {
	e := &OverlayEvent{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			e.SessionID = s
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			e.FrameIndex = int64(x)
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			e.MediaTime = math.Float64frombits(x)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			d, err := unmarshalDetection(raw)
			if err != nil {
				return 0, err
			}
			e.Detections = append(e.Detections, d)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func unmarshalDetection(b []byte) (Detection, error) {
	var d Detection
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && (num == 1 || num == 2 || num == 5):
			s, n := protowire.ConsumeString(v)
			switch num {
			case 1:
				d.ID = s
			case 2:
				d.ClassName = s
			default:
				d.Color = s
			}
			return n, nil
		case typ == protowire.Fixed64Type && (num == 3 || num == 6):
			x, n := protowire.ConsumeFixed64(v)
			if num == 3 {
				d.Confidence = math.Float64frombits(x)
			} else {
				d.Opacity = math.Float64frombits(x)
			}
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			r, err := unmarshalRect(raw)
			if err != nil {
				return 0, err
			}
			d.Rect = r
			return n, nil
		case num == 7 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			d.Enlarged = protowire.DecodeBool(x)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return d, err
}

func unmarshalRect(b []byte) (Rect, error) {
	var r Rect
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.Fixed64Type || num < 1 || num > 4 {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		x, n := protowire.ConsumeFixed64(v)
		f := math.Float64frombits(x)
		switch num {
		case 1:
			r.Width = f
		case 2:
			r.Height = f
		case 3:
			r.Left = f
		case 4:
			r.Bottom = f
		}
		return n, nil
	})
	return r, err
}

// walk iterates the fields of a message. field consumes the value and returns
// the number of bytes read, or a negative protowire error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
