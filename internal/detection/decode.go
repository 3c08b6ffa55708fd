package detection

import (
	"encoding/json"
	"io"

	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ErrMalformedResult is returned when a recognition document does not have the
// expected shape.
var ErrMalformedResult = errors.New("malformed recognition result")

// DecodeVideoResult validates and decodes a VideoRecognitionResult document.
//
// The shape is checked before decoding so that a wrong document fails here, at
// the acquisition boundary, instead of producing zero-valued frames downstream.
func DecodeVideoResult(data []byte) (*types.VideoRecognitionResult, error) {
	if err := ValidateVideoResult(data); err != nil {
		return nil, err
	}

	var result types.VideoRecognitionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrapf(ErrMalformedResult, "decode: %v", err)
	}
	return &result, nil
}

// ReadVideoResult reads r to the end and decodes it with DecodeVideoResult.
func ReadVideoResult(r io.Reader) (*types.VideoRecognitionResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read recognition result")
	}
	return DecodeVideoResult(data)
}

// ValidateVideoResult checks the JSON shape of a VideoRecognitionResult document.
func ValidateVideoResult(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.Wrap(ErrMalformedResult, "invalid JSON")
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return errors.Wrap(ErrMalformedResult, "document is not an object")
	}

	frameRate := doc.Get("frame_rate")
	if frameRate.Type != gjson.Number || frameRate.Float() <= 0 {
		return errors.Wrap(ErrMalformedResult, "frame_rate must be a positive number")
	}

	frames := doc.Get("frames")
	if !frames.IsArray() {
		return errors.Wrap(ErrMalformedResult, "frames must be an array")
	}

	for pos, frame := range frames.Array() {
		if err := validateFrame(pos, frame); err != nil {
			return err
		}
	}
	return nil
}

func validateFrame(pos int, frame gjson.Result) error {
	index := frame.Get("frame_index")
	if index.Type != gjson.Number || index.Float() < 0 {
		return errors.Wrapf(ErrMalformedResult, "frames[%d].frame_index must be a non-negative number", pos)
	}

	detections := frame.Get("detections")
	if !detections.IsArray() {
		return errors.Wrapf(ErrMalformedResult, "frames[%d].detections must be an array", pos)
	}

	for i, det := range detections.Array() {
		switch {
		case det.Get("id").Type != gjson.String:
			return errors.Wrapf(ErrMalformedResult, "frames[%d].detections[%d].id must be a string", pos, i)
		case !det.Get("box").IsObject():
			return errors.Wrapf(ErrMalformedResult, "frames[%d].detections[%d].box must be an object", pos, i)
		case det.Get("confidence").Type != gjson.Number:
			return errors.Wrapf(ErrMalformedResult, "frames[%d].detections[%d].confidence must be a number", pos, i)
		}
	}
	return nil
}
