package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies a stream frame.
type FrameType string

const (
	FrameData   FrameType = "data"
	FrameResize FrameType = "resize"
	FrameError  FrameType = "error"
	FrameClose  FrameType = "close"
)

// Frame is one message on an attached stream.
type Frame struct {
	Type    FrameType
	Payload []byte
	Cols    uint16
	Rows    uint16
	Code    string
	Message string
}

// DataFrame returns a data frame carrying p.
func DataFrame(p []byte) Frame { return Frame{Type: FrameData, Payload: p} }

// ErrorFrame returns an error frame.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// CloseFrame returns a close frame.
func CloseFrame() Frame { return Frame{Type: FrameClose} }

var errBadFrame = errors.New("malformed frame")

// wireFrame is the JSON form of a Frame. Data payloads travel as strings in
// text messages.
type wireFrame struct {
	Type    FrameType `json:"type"`
	Payload *string   `json:"payload,omitempty"`
	Cols    uint16    `json:"cols,omitempty"`
	Rows    uint16    `json:"rows,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// EncodeText renders f as a JSON text message.
func EncodeText(f Frame) ([]byte, error) {
	w := wireFrame{Type: f.Type, Cols: f.Cols, Rows: f.Rows, Code: f.Code, Message: f.Message}
	if f.Type == FrameData {
		s := string(f.Payload)
		w.Payload = &s
	}
	return json.Marshal(w)
}

// DecodeText parses a JSON text message and validates it.
func DecodeText(b []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}

	f := Frame{Type: w.Type, Cols: w.Cols, Rows: w.Rows, Code: w.Code, Message: w.Message}
	switch w.Type {
	case FrameData:
		if w.Payload != nil {
			f.Payload = []byte(*w.Payload)
		}
	case FrameResize:
		if w.Cols == 0 || w.Rows == 0 {
			return Frame{}, fmt.Errorf("%w: resize needs cols and rows", errBadFrame)
		}
	case FrameError, FrameClose:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", errBadFrame, w.Type)
	}
	return f, nil
}

// IsBadFrame reports whether err came from decoding a malformed frame.
func IsBadFrame(err error) bool {
	return errors.Is(err, errBadFrame)
}
