package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FrameLimits bounds the data of one inbound socket event. Zero fields
// fall back to DefaultFrameLimits.
type FrameLimits struct {
	MaxBytes int
	MaxDepth int
}

// DefaultFrameLimits fits the largest chat event a client sends
// (a message body with attachments metadata) with room to spare.
var DefaultFrameLimits = FrameLimits{
	MaxBytes: 1 << 20,
	MaxDepth: 32,
}

// Frame errors.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrFrameTooDeep   = errors.New("frame nesting exceeds maximum depth")
	ErrMalformedFrame = errors.New("malformed frame")
)

func (l FrameLimits) orDefault() FrameLimits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultFrameLimits.MaxBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultFrameLimits.MaxDepth
	}
	return l
}

// ValidateFrame rejects event data that is too large, nests too deep or
// holds anything other than a single JSON value. Empty data is valid:
// events such as user-list carry none.
func ValidateFrame(data []byte, limits FrameLimits) error {
	limits = limits.orDefault()
	if len(data) > limits.MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), limits.MaxBytes)
	}
	if len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	depth, values := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}

		switch tok {
		case json.Delim('}'), json.Delim(']'):
			depth--
			continue
		}
		if depth == 0 {
			values++
			if values > 1 {
				return fmt.Errorf("%w: trailing data after first value", ErrMalformedFrame)
			}
		}
		if tok == json.Delim('{') || tok == json.Delim('[') {
			depth++
			if depth > limits.MaxDepth {
				return fmt.Errorf("%w: depth %d (max %d)", ErrFrameTooDeep, depth, limits.MaxDepth)
			}
		}
	}
}
